package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// A crashed autopay run leaves autopay.in_progress set. The cooldown keeps
// such an identity from being charged in a loop, but it also never recharges
// again until the lock is cleared. This tool clears locks older than a cutoff.

// staleLockFilter matches identities locked since before cutoff.
func staleLockFilter(cutoff time.Time) bson.M {
	return bson.M{
		"autopay.in_progress":     true,
		"autopay.last_attempt_at": bson.M{"$lt": cutoff.UTC()},
	}
}

func releaseUpdate(now time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"autopay.in_progress": false,
		"autopay.last_status": "lock_released",
		"updated_at":          now.UTC(),
	}}
}

type lockedEsim struct {
	ID      string `bson:"_id"`
	UserID  string `bson:"user_id"`
	IMSI    string `bson:"imsi"`
	Autopay struct {
		LastAttemptAt time.Time `bson:"last_attempt_at"`
		LastStatus    string    `bson:"last_status"`
	} `bson:"autopay"`
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	mongoURI := flag.String("mongo", "", "MongoDB URI (required)")
	dbName := flag.String("db", "esimpay", "Database name")
	olderThan := flag.Duration("older-than", time.Hour, "Release locks held longer than this")
	dryRun := flag.Bool("dry-run", true, "Preview changes without writing (default: true)")
	flag.Parse()

	if *mongoURI == "" {
		*mongoURI = os.Getenv("MONGODB_URI")
		if *mongoURI == "" {
			log.Fatal().Msg("MongoDB URI is required. Use -mongo flag or MONGODB_URI env var")
		}
	}

	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoURI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer client.Disconnect(ctx)

	esims := client.Database(*dbName).Collection("esims")

	now := time.Now()
	filter := staleLockFilter(now.Add(-*olderThan))

	fmt.Println("=== Autopay Lock Release ===")
	fmt.Printf("Database: %s\n", *dbName)
	fmt.Printf("Older than: %s\n", *olderThan)
	fmt.Printf("Dry Run: %v\n\n", *dryRun)

	cursor, err := esims.Find(ctx, filter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to query locked esims")
	}
	defer cursor.Close(ctx)

	var matched, released int
	for cursor.Next(ctx) {
		var e lockedEsim
		if err := cursor.Decode(&e); err != nil {
			log.Error().Err(err).Msg("failed to decode esim")
			continue
		}
		matched++

		fmt.Printf("  eSIM %s (user %s, imsi %s): locked since %s, last status %q\n",
			e.ID, e.UserID, e.IMSI,
			e.Autopay.LastAttemptAt.Format(time.RFC3339),
			e.Autopay.LastStatus,
		)

		if *dryRun {
			continue
		}

		// Re-check the filter so a lock taken meanwhile is left alone
		res, err := esims.UpdateOne(ctx, bson.M{"_id": e.ID, "$and": bson.A{filter}}, releaseUpdate(now))
		if err != nil {
			log.Error().Err(err).Str("esim_id", e.ID).Msg("failed to release lock")
			continue
		}
		released += int(res.ModifiedCount)
	}
	if err := cursor.Err(); err != nil {
		log.Error().Err(err).Msg("cursor failed")
	}

	fmt.Println("\n=== Summary ===")
	fmt.Printf("Stale locks found: %d\n", matched)
	fmt.Printf("Locks released: %d\n", released)

	if *dryRun {
		fmt.Println("\nThis was a DRY RUN. No data was modified.")
		fmt.Println("Run with -dry-run=false to apply changes.")
	}
}
