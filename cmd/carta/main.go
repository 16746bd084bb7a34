// Command carta indexes newline-delimited JSON features into a local
// store and answers forward and reverse geocoding queries against it.
//
// Usage:
//
//	carta index  -c config.yaml -d ./data <layer> <features.ndjson>
//	carta query  -c config.yaml -d ./data "9th st nw and 15th st nw"
//	carta query  -c config.yaml -d ./data "38.9,-77.03"
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/andreiashu/carta"
	"github.com/andreiashu/carta/kv"
)

var (
	configPath  string
	dataDir     string
	verbose     bool
	limit       int
	phrasematch float64
	fuzzy       int
	proximity   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "carta",
		Short:         "Fuzzy hierarchical geocoder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "carta.yaml", "layer configuration file")
	root.PersistentFlags().StringVarP(&dataDir, "data", "d", "", "index directory (empty = in-memory)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	indexCmd := &cobra.Command{
		Use:   "index <layer> <features.ndjson>",
		Short: "Index newline-delimited JSON features into a layer",
		Args:  cobra.ExactArgs(2),
		RunE:  runIndex,
	}

	queryCmd := &cobra.Command{
		Use:   "query <text | lat,lng>",
		Short: "Geocode text or reverse geocode a coordinate pair",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().IntVar(&limit, "limit", carta.DefaultResultLimit, "maximum results")
	queryCmd.Flags().Float64Var(&phrasematch, "phrasematch", carta.DefaultPhrasematch, "minimum match ratio [0,1]")
	queryCmd.Flags().IntVar(&fuzzy, "fuzzy", 0, "maximum edit distance for typo correction")
	queryCmd.Flags().StringVar(&proximity, "proximity", "", "bias results toward lat,lng")

	root.AddCommand(indexCmd, queryCmd)
	return root
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
}

func openGeocoder(log zerolog.Logger) (*carta.Geocoder, kv.Store, error) {
	cfg, err := carta.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := kv.NewBadger(kv.BadgerOptions{
		Dir:      dataDir,
		InMemory: dataDir == "",
	})
	if err != nil {
		return nil, nil, err
	}
	gc, err := carta.New(store, cfg, carta.WithLogger(log))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return gc, store, nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	layerName, path := args[0], args[1]
	log := newLogger()

	gc, store, err := openGeocoder(log)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	queued := 0
	failed := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var feat carta.Feature
		if err := json.Unmarshal([]byte(line), &feat); err != nil {
			log.Warn().Err(err).Msg("skipping malformed feature")
			failed++
			continue
		}
		err := gc.QueueFeature(layerName, feat, func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("id", feat.ID).Msg("feature rejected")
			}
		})
		if err != nil {
			return err
		}
		queued++
	}
	if err := sc.Err(); err != nil {
		return err
	}

	if err := gc.BuildQueued(cmd.Context(), layerName); err != nil {
		return err
	}
	log.Info().Int("queued", queued).Int("malformed", failed).
		Str("layer", layerName).Msg("index build complete")
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	log := newLogger()

	gc, store, err := openGeocoder(log)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := carta.GeocodeOptions{
		Phrasematch:   phrasematch,
		Limit:         limit,
		FuzzyDistance: fuzzy,
	}
	if proximity != "" {
		pt, err := parseProximity(proximity)
		if err != nil {
			return err
		}
		opts.Proximity = &pt
	}

	res, err := gc.Geocode(cmd.Context(), strings.Join(args, " "), opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func parseProximity(s string) (carta.Position, error) {
	var lat, lng float64
	if _, err := fmt.Sscanf(s, "%f,%f", &lat, &lng); err != nil {
		return carta.Position{}, fmt.Errorf("proximity must be lat,lng: %w", err)
	}
	return carta.Position{lng, lat}, nil
}
