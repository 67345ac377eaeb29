package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/factory"
	"github.com/lychee-technology/cardbase/internal/settings"
)

type options struct {
	configFile   string
	envFile      string
	orgCount     int
	userCount    int
	membershipsN int
	iterations   int
	seed         int64
	seedProvided bool
}

func main() {
	log.SetFlags(0)

	opts := parseFlags()
	ctx := context.Background()

	config, err := settings.Load(opts.configFile, opts.envFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	// keep refreshes inline so membership queries see seeded data
	config.Views.RefreshMode = cardbase.RefreshSync

	backend, err := factory.NewBackend(config)
	if err != nil {
		log.Fatalf("failed to create backend: %v", err)
	}
	if err := backend.Connect(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer backend.Disconnect(ctx)

	if !opts.seedProvided {
		log.Printf("[info] Using random seed %d", opts.seed)
	}
	random := rand.New(rand.NewSource(opts.seed))
	run := fmt.Sprintf("bench-%d", opts.seed)

	start := time.Now()
	orgs, err := seedCards(ctx, backend, run, cardbase.TypeOrg, opts.orgCount)
	if err != nil {
		log.Fatalf("failed to seed orgs: %v", err)
	}
	users, err := seedCards(ctx, backend, run, cardbase.TypeUser, opts.userCount)
	if err != nil {
		log.Fatalf("failed to seed users: %v", err)
	}
	links := 0
	for i, user := range users {
		for _, org := range uniqueSample(random, orgs, opts.membershipsN) {
			if err := link(ctx, backend, fmt.Sprintf("%s-member-%d-%s", run, i, org.Slug), user, org); err != nil {
				log.Fatalf("failed to link %s to %s: %v", user.Slug, org.Slug, err)
			}
			links++
		}
	}
	log.Printf("[info] Seeded %d orgs, %d users, %d memberships in %s", len(orgs), len(users), links, time.Since(start))

	cases := []struct {
		name   string
		schema func() map[string]any
	}{
		{"by type", func() map[string]any {
			return map[string]any{"properties": map[string]any{"type": map[string]any{"const": cardbase.TypeUser + "@1.0.0"}}}
		}},
		{"by slug pattern", func() map[string]any {
			return map[string]any{"properties": map[string]any{"slug": map[string]any{"pattern": "^" + run + "-org-1"}}}
		}},
		{"users of org", func() map[string]any {
			org := orgs[random.Intn(len(orgs))]
			return map[string]any{
				"properties": map[string]any{"type": map[string]any{"const": cardbase.TypeUser + "@1.0.0"}},
				"$$links": map[string]any{
					cardbase.LinkIsMemberOf: map[string]any{
						"properties": map[string]any{"id": map[string]any{"const": org.ID.String()}},
					},
				},
			}
		}},
		{"orgs of user (view)", func() map[string]any {
			user := users[random.Intn(len(users))]
			return map[string]any{
				"properties": map[string]any{"type": map[string]any{"const": cardbase.TypeOrg + "@1.0.0"}},
				"$$links": map[string]any{
					cardbase.LinkHasMember: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":     map[string]any{"const": user.ID.String()},
							"active": map[string]any{"const": true},
						},
					},
				},
			}
		}},
		{"point lookup", func() map[string]any {
			user := users[random.Intn(len(users))]
			return map[string]any{"properties": map[string]any{"id": map[string]any{"const": user.ID.String()}}}
		}},
	}

	log.Println("[success] Query latency:")
	for _, c := range cases {
		durations := make([]time.Duration, 0, opts.iterations)
		rows := 0
		for i := 0; i < opts.iterations; i++ {
			schema := c.schema()
			began := time.Now()
			cards, err := backend.Query(ctx, schema, cardbase.QueryOptions{}.WithLimit(100))
			if err != nil {
				log.Fatalf("query %q failed: %v", c.name, err)
			}
			durations = append(durations, time.Since(began))
			rows += len(cards)
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		log.Printf("  - %-22s p50=%-10s p95=%-10s avg rows=%d", c.name,
			percentile(durations, 0.50), percentile(durations, 0.95), rows/max(opts.iterations, 1))
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "config file (json, yaml or toml)")
	flag.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading CARDBASE_* variables")
	flag.IntVar(&opts.orgCount, "orgs", 20, "number of org cards to create")
	flag.IntVar(&opts.userCount, "users", 500, "number of user cards to create")
	flag.IntVar(&opts.membershipsN, "memberships", 3, "orgs each user joins")
	flag.IntVar(&opts.iterations, "iterations", 50, "runs per query")
	flag.Int64Var(&opts.seed, "seed", 0, "random seed (default: current time)")
	flag.Parse()

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			opts.seedProvided = true
		}
	})
	if !opts.seedProvided {
		opts.seed = time.Now().UnixNano()
	}
	if opts.orgCount < 1 || opts.userCount < 1 {
		log.Fatalf("orgs and users must be at least 1")
	}
	return opts
}

func seedCards(ctx context.Context, backend cardbase.Backend, run, typ string, count int) ([]*cardbase.Card, error) {
	out := make([]*cardbase.Card, 0, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s %d", typ, i)
		card, err := backend.InsertElement(ctx, &cardbase.Card{
			Slug:   fmt.Sprintf("%s-%s-%d", run, typ, i),
			Type:   typ + "@1.0.0",
			Active: true,
			Name:   &name,
			Data:   map[string]any{"index": i},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, nil
}

func link(ctx context.Context, backend cardbase.Backend, slug string, user, org *cardbase.Card) error {
	name := cardbase.LinkIsMemberOf
	_, err := backend.InsertElement(ctx, &cardbase.Card{
		Slug:   slug,
		Type:   cardbase.TypeLink + "@1.0.0",
		Active: true,
		Name:   &name,
		Data: map[string]any{
			"inverseName": cardbase.LinkHasMember,
			"from":        map[string]any{"id": user.ID.String(), "type": user.Type},
			"to":          map[string]any{"id": org.ID.String(), "type": org.Type},
		},
	})
	return err
}

func uniqueSample(r *rand.Rand, values []*cardbase.Card, count int) []*cardbase.Card {
	if count >= len(values) {
		return values
	}
	picked := map[uuid.UUID]bool{}
	out := make([]*cardbase.Card, 0, count)
	for len(out) < count {
		v := values[r.Intn(len(values))]
		if picked[v.ID] {
			continue
		}
		picked[v.ID] = true
		out = append(out, v)
	}
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i].Round(time.Microsecond)
}
