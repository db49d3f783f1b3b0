// Command invalidate publishes one cache invalidation event.
//
//	invalidate -bbox 9.18,45.45,9.20,45.47 -op modify
//	invalidate -geometry area.geojson
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"github.com/frafra/is-osm-uptodate/internal/core/config"
	"github.com/frafra/is-osm-uptodate/internal/invalidation"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("invalidate: %v", err)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	op := flag.String("op", "modify", "create|modify|delete")
	bbox := flag.String("bbox", "", "minx,miny,maxx,maxy")
	geomPath := flag.String("geometry", "", "GeoJSON geometry file")
	source := flag.String("source", "cli", "event source label")
	zTarget := flag.Int("z", cfg.ZTarget, "cache zoom, only used for the dry-run tile count")
	dryRun := flag.Bool("dry-run", false, "print the event instead of sending it")
	flag.Parse()

	ev := invalidation.Event{Version: 1, Op: *op, TS: time.Now().UTC(), Source: *source}
	switch {
	case *bbox != "" && *geomPath != "":
		return errors.New("use either -bbox or -geometry")
	case *bbox != "":
		b, err := parseBBox(*bbox)
		if err != nil {
			return err
		}
		ev.BBox = b
	case *geomPath != "":
		raw, err := os.ReadFile(filepath.Clean(*geomPath))
		if err != nil {
			return fmt.Errorf("read geometry: %w", err)
		}
		ev.Geometry = raw
	default:
		return errors.New("one of -bbox or -geometry is required")
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if *dryRun {
		qks, err := ev.Quadkeys(*zTarget)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n%d tiles at z%d\n", payload, len(qks), *zTarget)
		return nil
	}

	pc := sarama.NewConfig()
	pc.ClientID = "is-osm-uptodate-cli"
	pc.Producer.Return.Successes = true
	pc.Producer.RequiredAcks = sarama.WaitForAll
	pc.Version = sarama.V2_1_0_0
	prod, err := sarama.NewSyncProducer(cfg.Invalidation.BrokerList(), pc)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	part, off, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: cfg.Invalidation.Topic,
		Key:   sarama.StringEncoder(*source),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	log.Printf("published %s event to %s (partition=%d offset=%d)", ev.Op, cfg.Invalidation.Topic, part, off)
	return nil
}

func parseBBox(s string) (*invalidation.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox %q: want minx,miny,maxx,maxy", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	return &invalidation.BBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}
