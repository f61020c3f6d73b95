// Command migrate applies the storage engine's schema migrations and
// seeds the chain/protocol_system enum tables, in the style of the
// teacher's contract-data-processor/go/main.go: load config, build a
// component logger, run the startup sequence, fail fast with a logged
// error rather than a bare panic once the logger exists. A config load
// failure, which happens before any logger is built, panics.
package main

import (
	"context"
	"flag"
	"strings"

	"github.com/withobsrvr/chainstate/internal/config"
	"github.com/withobsrvr/chainstate/internal/logging"
	"github.com/withobsrvr/chainstate/internal/registry"
	"github.com/withobsrvr/chainstate/internal/storedb"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML configuration file")
	chains := flag.String("chains", "", "comma-separated chain names to seed into the chain table")
	protocolSystems := flag.String("protocol-systems", "", "comma-separated protocol system names to seed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logging.New("migrate", cfg.Logging.Level, cfg.Logging.Format)
	log.Info().Str("config", *configPath).Msg("starting migration")

	ctx := context.Background()
	db, err := storedb.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect and migrate")
	}
	defer db.Close()

	chainNames := splitCSV(*chains)
	protocolSystemNames := splitCSV(*protocolSystems)
	if len(chainNames) > 0 || len(protocolSystemNames) > 0 {
		reg := registry.New(db.Pool)
		if err := reg.SeedEnums(ctx, chainNames, protocolSystemNames); err != nil {
			log.Fatal().Err(err).Msg("failed to seed enums")
		}
		log.Info().Strs("chains", chainNames).Strs("protocol_systems", protocolSystemNames).Msg("enums seeded")
	}

	log.Info().Msg("migration complete")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
