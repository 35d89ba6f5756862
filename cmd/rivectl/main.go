// rivectl is a demo control surface for the synchronized Rive state:
// it can watch a row converge live or push mode/slider edits into it,
// standing in for the browser controller and display pages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonathanhooker/rivesync/channel"
	"github.com/jonathanhooker/rivesync/rowstore"
	"github.com/jonathanhooker/rivesync/syncstate"
)

func main() {
	relayURL := flag.String("relay", "", "relay base URL (ws://host:port); empty = discover via mDNS")
	rowID := flag.Int64("row", 1, "row id to synchronize")
	dbPath := flag.String("db", "rivesync.db", "bolt database path (ignored when DATABASE_URL is set)")
	watch := flag.Bool("watch", false, "print snapshots as they change until interrupted")
	mode := flag.Int("mode", -1, "set the mode (1-4)")
	slider := flag.String("slider", "", "set a slider, e.g. 3=42.5")
	flag.Parse()

	ctx := context.Background()

	if *relayURL == "" {
		log.Println("Discovering relay via mDNS...")
		found, err := channel.Discover(ctx, 5*time.Second)
		if err != nil {
			log.Fatalf("Relay discovery failed (pass -relay): %v", err)
		}
		log.Printf("Found relay at %s", found)
		*relayURL = found
	}

	store, closeStore, err := openStore(ctx, *dbPath)
	if err != nil {
		log.Fatalf("Could not open row store: %v", err)
	}
	defer closeStore()

	engine, err := syncstate.New(syncstate.Config{
		RowID:   *rowID,
		Adapter: channel.NewWS(*relayURL),
		Store:   store,
	})
	if err != nil {
		log.Fatalf("Could not build engine: %v", err)
	}
	engine.Start(ctx)
	defer engine.Close()

	if snap := engine.Snapshot(); snap.Err != "" {
		log.Fatalf("Engine failed to start: %s", snap.Err)
	}

	update := syncstate.Update{}
	if *mode >= 0 {
		update[syncstate.FieldMode] = float64(*mode)
	}
	if *slider != "" {
		field, value, err := parseSlider(*slider)
		if err != nil {
			log.Fatalf("Bad -slider value: %v", err)
		}
		update[field] = value
	}

	if len(update) > 0 {
		engine.Set(update)
		// Outlive the debounce so the durable write actually happens.
		time.Sleep(syncstate.DefaultDebounceDelay + 250*time.Millisecond)
		if snap := engine.Snapshot(); snap.Err != "" {
			log.Fatalf("Update failed: %s", snap.Err)
		}
		log.Println("Update applied.")
	}

	if *watch {
		cancel := engine.Watch(printSnapshot)
		defer cancel()
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		<-exit
		return
	}

	if len(update) == 0 {
		printSnapshot(engine.Snapshot())
	}
}

func openStore(ctx context.Context, dbPath string) (syncstate.RowStore, func(), error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		pg, err := rowstore.NewPostgres(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	b, err := rowstore.NewBolt(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { b.Close() }, nil
}

func parseSlider(s string) (string, float64, error) {
	idx, valStr, ok := strings.Cut(s, "=")
	if !ok {
		return "", 0, fmt.Errorf("want N=VALUE, got %q", s)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 || n > syncstate.NumSliders {
		return "", 0, fmt.Errorf("slider number out of range: %q", idx)
	}
	value, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad value %q: %w", valStr, err)
	}
	return syncstate.SliderField(n), value, nil
}

func printSnapshot(snap syncstate.Snapshot) {
	if snap.Row == nil {
		fmt.Printf("[%s] loading=%v err=%q peers=%d\n", snap.State, snap.Loading, snap.Err, snap.Connections)
		return
	}
	var sliders []string
	for i, v := range snap.Row.Sliders {
		if v != 0 {
			sliders = append(sliders, fmt.Sprintf("%d=%.1f", i+1, v))
		}
	}
	fmt.Printf("[%s] row=%d mode=%d sliders={%s} peers=%d err=%q\n",
		snap.State, snap.Row.ID, snap.Row.Mode, strings.Join(sliders, " "), snap.Connections, snap.Err)
}
