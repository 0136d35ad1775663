package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/ridelink/ridecore"
)

var (
	configFile   = flag.String("config", "ridecore.toml", "config file next to the binary")
	simulate     = flag.String("simulate", "", "comma-separated user ids to generate synthetic data for")
	watch        = flag.String("watch", "", "comma-separated user ids to subscribe to and print")
	printUpdates = flag.Bool("print-updates", false, "print live state updates to stdout")
	debug        = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()
	log.SetLevel(log.InfoLevel)
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := ridecore.LoadConfig(*configFile)
	if err != nil {
		log.Fatal("unable to load config: ", err)
	}

	directory := ridecore.NewStaticDirectory()
	core := ridecore.NewCore(cfg, directory)

	if *simulate != "" {
		ids := strings.Split(*simulate, ",")
		for _, id := range ids {
			directory.AddUser(id, "rider-"+id)
		}
		core.Simulate(ctx, ids)
		if *watch == "" {
			*watch = *simulate
		}
	}

	if *watch != "" {
		_, updates := core.Subscribe(strings.Split(*watch, ",")...)
		go func() {
			for n := range updates {
				if *printUpdates {
					fmt.Printf("%s [%s] hr=%.0f hrv=%.0f speed=%.1fkm/h %s\n",
						n.State.DisplayName, n.Liveness, n.State.HeartRate,
						n.State.HRV, n.State.SpeedKmh(), n.State.LastUpdatedBy)
				}
			}
		}()
	}

	if err := core.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal("core stopped: ", err)
	}
}
