// Package syncstate keeps one fixed-shape row (a mode plus sixteen
// sliders) consistent across any number of connected clients.
//
// The Engine applies local edits optimistically, broadcasts them to
// peers at most once per throttle window, and persists them durably
// after a debounce delay, while merging inbound peer broadcasts into
// the local replica and counting live connections from presence. There
// is no global ordering and no conflict detection: convergence is
// eventual and field-granularity last-delivered-wins.
package syncstate
