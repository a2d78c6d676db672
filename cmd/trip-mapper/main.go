// Command trip-mapper resolves every upstream trip of one route on one
// service date and prints the winning canonical trip and its score.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/metro-rt/gtfsrt-bridge/internal/config"
	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/metrics"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
	"github.com/metro-rt/gtfsrt-bridge/internal/static"
	"github.com/metro-rt/gtfsrt-bridge/internal/upstream"
)

func main() {
	route := flag.String("route", "", "Upstream route code, e.g. A12")
	date := flag.String("date", "", "Service date as YYYYMMDD (default: today)")
	threshold := flag.Float64("threshold", -1, "Override TRIP_MATCH_SCORE_THRESHOLD")
	flag.Parse()

	if *route == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *threshold >= 0 {
		cfg.TripMatchScoreThreshold = *threshold
	}

	day := models.ServiceDateOf(time.Now(), cfg.Location)
	if *date != "" {
		if day, err = models.ParseServiceDate(*date); err != nil {
			log.Fatalf("%v", err)
		}
	}

	idx, err := static.Load(cfg.GTFSPath)
	if err != nil {
		log.Fatalf("Failed to load static schedule: %v", err)
	}

	collector := metrics.NewCollector()
	client := upstream.NewClient(cfg, collector)
	routes := mapping.NewRouteMapper(mapping.DefaultRules(
		idx.RoutesForAgency(cfg.AgencyID), cfg.RouteStaticOverrides, cfg.RouteBlacklist)...)

	rm := routes.Resolve(*route)
	if !rm.Mapped {
		log.Fatalf("Route %s does not map: %s", *route, rm.Reason)
	}
	log.Printf("Route %s -> %s (rule %s)", *route, rm.RouteID, rm.Rule)

	ctx := context.Background()
	trips, err := client.FetchRouteSchedule(ctx, *route, day)
	if err != nil {
		log.Fatalf("Failed to fetch route schedule: %v", err)
	}

	aligner := mapping.NewScheduleAligner(routes, idx, client, mapping.AlignerOptions{
		Threshold: cfg.TripMatchScoreThreshold,
		Workers:   cfg.TripResolverWorkers,
		Location:  cfg.Location,
		Observer:  collector,
	})

	reqs := make([]mapping.TripRequest, 0, len(trips))
	for _, t := range trips {
		if t.TripID == "" {
			continue
		}
		reqs = append(reqs, mapping.TripRequest{
			Key:           mapping.TripKey{ServiceDate: day, UpstreamTripID: t.TripID},
			RouteCode:     *route,
			StartTime:     t.StartTime,
			EndTime:       t.EndTime,
			DirectionText: t.DirectionText,
		})
	}
	res := aligner.ResolveAll(ctx, reqs)

	sort.Slice(reqs, func(i, j int) bool { return reqs[i].StartTime.Before(reqs[j].StartTime) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UPSTREAM TRIP\tSTART\tDIRECTION\tCANONICAL TRIP\tSCORE\tNOTE")
	for _, req := range reqs {
		m, ok := res.Mappings[req.Key]
		if !ok {
			note := "not resolved"
			if err := res.Failed[req.Key]; err != nil {
				note = err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t-\t-\t%s\n",
				req.Key.UpstreamTripID, req.StartTime.In(cfg.Location).Format("15:04"), req.DirectionText, note)
			continue
		}
		canonical := m.TripID
		if !m.Mapped {
			canonical = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%s\n",
			req.Key.UpstreamTripID, req.StartTime.In(cfg.Location).Format("15:04"),
			req.DirectionText, canonical, m.Score, m.Reason)
	}
	w.Flush()

	mean, stddev, n := collector.ScoreStats()
	fmt.Printf("\n%d trips, %d mapped, score mean %.1f stddev %.1f\n", len(reqs), n, mean, stddev)
}
