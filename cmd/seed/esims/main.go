package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mansoorceksport/esimpay/internal/config"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/repository"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// parseIMSIs splits a comma separated list and checks every entry is a
// 15 digit IMSI. Duplicates are dropped.
func parseIMSIs(raw string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		imsi := strings.TrimSpace(part)
		if imsi == "" {
			continue
		}
		if len(imsi) != 15 || strings.Trim(imsi, "0123456789") != "" {
			return nil, fmt.Errorf("invalid imsi %q: want 15 digits", imsi)
		}
		if seen[imsi] {
			continue
		}
		seen[imsi] = true
		out = append(out, imsi)
	}
	if len(out) == 0 {
		return nil, errors.New("no imsi given")
	}
	return out, nil
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	email := flag.String("email", "", "Owner's email (required)")
	imsiList := flag.String("imsi", "", "Comma separated IMSIs (required)")
	name := flag.String("name", "", "Display name for the identities")
	limitMB := flag.Float64("limit-mb", 0, "Initial data limit in MB")
	flag.Parse()

	if *email == "" {
		log.Fatal().Msg("-email is required")
	}
	imsis, err := parseIMSIs(*imsiList)
	if err != nil {
		log.Fatal().Err(err).Msg("bad -imsi")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer client.Disconnect(context.Background())

	db := client.Database(cfg.MongoDB.Database)
	users := repository.NewMongoUserRepository(db)
	esims := repository.NewMongoEsimRepository(db)

	user, err := users.GetByEmail(ctx, *email)
	if err != nil {
		log.Fatal().Err(err).Str("email", *email).Msg("user lookup failed")
	}

	for _, imsi := range imsis {
		esim := &domain.Esim{
			UserID:      user.ID,
			IMSI:        imsi,
			Name:        *name,
			DataLimitMB: *limitMB,
		}
		if err := esims.Create(ctx, esim); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				fmt.Printf("Skipping duplicate: %s\n", imsi)
			} else {
				log.Error().Err(err).Str("imsi", imsi).Msg("failed to create esim")
			}
			continue
		}
		fmt.Printf("Created: %s (%s)\n", imsi, esim.ID)
	}
	fmt.Println("Seeding eSIMs Complete.")
}
