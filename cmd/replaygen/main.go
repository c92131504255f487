package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/runledger/internal/replay"
)

func main() {
	// Command line flags
	out := flag.String("out", "run.replay", "Output file")
	mapName := flag.String("map", "surf_utopia", "Map name")
	mapHash := flag.String("hash", "", "Map file SHA-1 as 40 hex characters")
	player := flag.String("player", "runner", "Player name")
	steamID := flag.Uint64("steam-id", 76561198000000001, "Player steam ID")
	tickRate := flag.Float64("tick-rate", 0.015, "Seconds per tick")
	track := flag.Uint("track", 0, "Track number")
	zone := flag.Uint("zone", 0, "Zone number, 0 for a full-track run")
	ticks := flag.Int("ticks", 6000, "Timed ticks")
	preTicks := flag.Int("pre-ticks", 64, "Frames recorded before the timer starts")
	zones := flag.Int("zones", 0, "Per-zone stats records to emit")
	age := flag.Duration("age", 0, "How long ago the run finished")
	flag.Parse()

	hash, err := hex.DecodeString(*mapHash)
	if err != nil || len(hash) != replay.HashSize {
		log.Fatalf("-hash must be %d hex-encoded bytes", replay.HashSize)
	}
	if *track > 255 || *zone > 255 {
		log.Fatalf("-track and -zone must fit in a byte")
	}
	if *ticks <= 0 || *preTicks < 0 {
		log.Fatalf("-ticks must be positive and -pre-ticks non-negative")
	}

	opts := replay.SynthOptions{
		MapName:    *mapName,
		PlayerName: *player,
		SteamID:    *steamID,
		TickRate:   float32(*tickRate),
		TrackNum:   uint8(*track),
		ZoneNum:    uint8(*zone),
		Ticks:      int32(*ticks),
		PreTicks:   int32(*preTicks),
		Zones:      *zones,
		RunDate:    time.Now().Add(-*age),
	}
	copy(opts.MapHash[:], hash)

	buf, err := replay.Encode(replay.Synthesize(opts))
	if err != nil {
		log.Fatalf("Failed to encode replay: %v", err)
	}
	if err := os.WriteFile(*out, buf, 0o644); err != nil {
		log.Fatalf("Failed to write replay: %v", err)
	}

	fmt.Printf("wrote %s: %d bytes, %d ticks (%.3fs) on %s track %d zone %d\n",
		*out, len(buf), *ticks, float64(*ticks)**tickRate, *mapName, *track, *zone)
}
