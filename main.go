package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loglens/ability"
	"loglens/analysis"
	"loglens/fflogs"
	"loglens/storage"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/kelseyhightower/envconfig"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
)

type Config struct {
	ClientID     string `envconfig:"LL_CLIENT_ID" required:"true"`
	ClientSecret string `envconfig:"LL_CLIENT_SECRET" required:"true"`

	TokenURL string `envconfig:"LL_TOKEN_URL"`
	APIURL   string `envconfig:"LL_API_URL"`
	Locale   string `envconfig:"LL_LOCALE"`

	DictURL string `envconfig:"LL_DICT_URL"`

	DBPath        string `envconfig:"LL_DB_PATH" default:"./loglens.db"`
	NameCachePath string `envconfig:"LL_NAME_CACHE"`
	OverridesPath string `envconfig:"LL_OVERRIDES"`

	RequestTimeout time.Duration `envconfig:"LL_REQUEST_TIMEOUT" default:"15s"`
	ResolveWorkers int           `envconfig:"LL_RESOLVE_WORKERS" default:"8"`
	ResultTTL      time.Duration `envconfig:"LL_RESULT_TTL" default:"6h"`
}

func main() {
	godotenv.Load(".env")

	var config Config
	envconfig.MustProcess("", &config)

	zlogger, _ := zap.NewDevelopment()
	defer zlogger.Sync()
	slog.SetDefault(slog.New(zapslog.NewHandler(zlogger.Core())))

	var (
		report       = flag.String("report", "", "report code to analyze")
		fightID      = flag.Int("fight", 0, "explicit fight id override")
		strategy     = flag.String("strategy", "best", "fight selection strategy: best, lastKill, firstKill, longest, byBoss:<id>")
		onlyKill     = flag.Bool("only-kill", false, "restrict selection to kill fights when any exist")
		difficulty   = flag.Int("difficulty", 0, "required fight difficulty")
		includeKnown = flag.Bool("include-known", false, "re-resolve ability ids that already have names")

		encounter = flag.Int("encounter", 0, "encounter id for a rankings query")
		metric    = flag.String("metric", "rdps", "rankings metric")
		size      = flag.Int("size", 0, "rankings party size")
		partition = flag.Int("partition", 0, "rankings partition")
		job       = flag.String("job", "", "rankings job filter (code, name or class id)")
		rankIndex = flag.Int("rank", -1, "print only the entry at this zero-based rank index")
		pageSize  = flag.Int("page-size", 50, "rankings result size")
		budget    = flag.Duration("budget", 45*time.Second, "soft wall-clock budget for the rankings attempt ladder")
	)
	flag.Parse()

	db, err := bolt.Open(config.DBPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		slog.Error("cannot open database", slog.String("path", config.DBPath), "error", err)
		os.Exit(1)
	}
	defer db.Close()
	storage.MustInitDB(db)
	store := storage.New(db)

	client := fflogs.NewClient(fflogs.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     config.TokenURL,
		APIURL:       config.APIURL,
		Locale:       config.Locale,
		Timeout:      config.RequestTimeout,
	})
	defer client.Close()

	// The name cache lives in bbolt unless an explicit file path asks
	// for the process-local JSON mode.
	var nameStore ability.NameStore = store
	if config.NameCachePath != "" {
		nameStore = ability.NewFileStore(config.NameCachePath)
	}
	dict := ability.NewDictClient(config.DictURL, config.RequestTimeout)
	resolver := ability.NewResolver(dict, nameStore, config.ResolveWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *encounter > 0:
		result, err := client.Rankings(ctx, fflogs.RankingsParams{
			EncounterID: *encounter,
			Metric:      *metric,
			Difficulty:  *difficulty,
			Size:        *size,
			Partition:   *partition,
			PageSize:    *pageSize,
			Job:         *job,
			Budget:      *budget,
		})
		if err != nil {
			slog.Error("rankings query failed", slog.Int("encounter", *encounter), "error", err)
			os.Exit(1)
		}
		if *rankIndex >= 0 {
			entry, err := result.At(*rankIndex)
			if err != nil {
				slog.Error("rank index out of range", "error", err)
				os.Exit(1)
			}
			printJSON(entry)
			return
		}
		printJSON(result)

	case *report != "":
		analyzer := &analysis.Analyzer{
			Client:        client,
			Resolver:      resolver,
			Cache:         store,
			CacheTTL:      config.ResultTTL,
			OverridesPath: config.OverridesPath,
		}
		result, err := analyzer.Run(ctx, analysis.Request{
			ReportCode:   *report,
			Strategy:     *strategy,
			OnlyKill:     *onlyKill,
			Difficulty:   *difficulty,
			FightID:      *fightID,
			IncludeKnown: *includeKnown,
		})
		if err != nil {
			slog.Error("analysis failed", slog.String("report", *report), "error", err)
			os.Exit(1)
		}
		if result.UnresolvedAbilities > 0 {
			slog.Warn("some ability names stayed unresolved",
				slog.Int("unresolved", result.UnresolvedAbilities),
				"sample", result.ResolveStats.FailedSample)
		}
		printJSON(result)

	default:
		fmt.Fprintln(os.Stderr, "usage: loglens -report <code> [flags] | loglens -encounter <id> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}
}

func printJSON(v interface{}) {
	enc := jsoniter.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("cannot encode output", "error", err)
		os.Exit(1)
	}
}
