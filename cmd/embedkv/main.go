package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"
	"github.com/viant/embedkv/config"
	"github.com/viant/embedkv/kv"
)

var stdout io.Writer = os.Stdout

func main() {
	startGops()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "put":
		putCmd(os.Args[2:])
	case "get":
		getCmd(os.Args[2:])
	case "remove":
		removeCmd(os.Args[2:])
	case "size":
		sizeCmd(os.Args[2:])
	case "scan":
		scanCmd(os.Args[2:])
	case "clear":
		clearCmd(os.Args[2:])
	case "backup":
		backupCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "bench":
		benchCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: embedkv <command> [options]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  put     Store a value (--key, --value)")
	fmt.Fprintln(os.Stderr, "  get     Print the value stored under --key")
	fmt.Fprintln(os.Stderr, "  remove  Remove --key")
	fmt.Fprintln(os.Stderr, "  size    Print the number of live keys")
	fmt.Fprintln(os.Stderr, "  scan    List entries newest first")
	fmt.Fprintln(os.Stderr, "  clear   Remove every key")
	fmt.Fprintln(os.Stderr, "  backup  Copy store files to an afs URL (file://, gs://, s3://)")
	fmt.Fprintln(os.Stderr, "  serve   Serve the HTTP get/set API")
	fmt.Fprintln(os.Stderr, "  bench   Run a put/get load against the store")
}

// storeFlags are shared by every command; an explicit flag overrides the config file.
type storeFlags struct {
	configPath *string
	dir        *string
	name       *string
	shards     *int
	hash       *string
	lockMode   *string
	compress   *bool
	debugSleep *int
}

func newStoreFlags(flags *flag.FlagSet) *storeFlags {
	return &storeFlags{
		configPath: flags.String("config", "", "config yaml URL (optional, defaults to ~/embedkv/config.yaml if present)"),
		dir:        flags.String("dir", "", "store directory (required unless set in config)"),
		name:       flags.String("name", "", "store name"),
		shards:     flags.Int("shards", 0, "index shard count (power of two)"),
		hash:       flags.String("hash", "", "hash function: highway|murmur3"),
		lockMode:   flags.String("lock", "", "lock mode: inProcess|fileRange|both"),
		compress:   flags.Bool("compress", false, "s2 compress values"),
		debugSleep: flags.Int("debug-sleep", 0, "debug: sleep N seconds before execution (for gops)"),
	}
}

func (f *storeFlags) config(ctx context.Context, flags *flag.FlagSet) *config.Config {
	cfg := config.Default("")
	if location := resolveConfigPath(*f.configPath); location != "" {
		loaded, err := config.Load(ctx, location)
		if err != nil && *f.dir == "" {
			log.Fatalf("load config: %v", err)
		}
		if loaded != nil {
			cfg = loaded
		}
	}
	if *f.dir != "" {
		cfg.DirectoryPath = *f.dir
	}
	if *f.name != "" {
		cfg.Name = *f.name
	}
	if *f.shards > 0 {
		cfg.ShardCount = *f.shards
	}
	if *f.hash != "" {
		cfg.HashFunction = *f.hash
	}
	if *f.lockMode != "" {
		cfg.LockMode = *f.lockMode
	}
	if *f.compress {
		cfg.Compress = true
	}
	if cfg.DirectoryPath == "" {
		flags.Usage()
		os.Exit(2)
	}
	return cfg
}

func (f *storeFlags) open(ctx context.Context, cmd string, flags *flag.FlagSet) (*kv.Store[string, string], *config.Config) {
	maybeDebugSleep(cmd, *f.debugSleep)
	cfg := f.config(ctx, flags)
	store, err := kv.Open[string, string](ctx, cfg)
	if err != nil {
		log.Fatalf("%s: open store: %v", cmd, err)
	}
	return store, cfg
}

func closeStore(cmd string, store *kv.Store[string, string]) {
	if err := store.Close(); err != nil {
		log.Printf("%s: close: %v", cmd, err)
	}
}

// withStore runs fn against an opened store and closes it before returning,
// so a failing command still drains deferred writes before the process exits.
func withStore(store *kv.Store[string, string], cmd string, fn func(store *kv.Store[string, string]) error) error {
	defer closeStore(cmd, store)
	if err := fn(store); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

func (f *storeFlags) run(ctx context.Context, cmd string, flags *flag.FlagSet, fn func(store *kv.Store[string, string]) error) {
	store, _ := f.open(ctx, cmd, flags)
	if err := withStore(store, cmd, fn); err != nil {
		log.Fatal(err)
	}
}

func putCmd(args []string) {
	flags := flag.NewFlagSet("put", flag.ExitOnError)
	sf := newStoreFlags(flags)
	key := flags.String("key", "", "key (required)")
	value := flags.String("value", "", "value")
	flags.Parse(args)
	if *key == "" {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	sf.run(ctx, "put", flags, func(store *kv.Store[string, string]) error {
		return store.Put(ctx, *key, *value)
	})
}

func getCmd(args []string) {
	flags := flag.NewFlagSet("get", flag.ExitOnError)
	sf := newStoreFlags(flags)
	key := flags.String("key", "", "key (required)")
	flags.Parse(args)
	if *key == "" {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	sf.run(ctx, "get", flags, func(store *kv.Store[string, string]) error {
		value, ok, err := store.Get(ctx, *key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(stdout, "%s: not found\n", *key)
			return nil
		}
		fmt.Fprintln(stdout, value)
		return nil
	})
}

func removeCmd(args []string) {
	flags := flag.NewFlagSet("remove", flag.ExitOnError)
	sf := newStoreFlags(flags)
	key := flags.String("key", "", "key (required)")
	flags.Parse(args)
	if *key == "" {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	sf.run(ctx, "remove", flags, func(store *kv.Store[string, string]) error {
		removed, err := store.Remove(ctx, *key)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed=%v\n", removed)
		return nil
	})
}

func sizeCmd(args []string) {
	flags := flag.NewFlagSet("size", flag.ExitOnError)
	sf := newStoreFlags(flags)
	verbose := flags.Bool("stats", false, "print store statistics")
	flags.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	sf.run(ctx, "size", flags, func(store *kv.Store[string, string]) error {
		fmt.Fprintln(stdout, store.Size())
		if *verbose {
			stats := store.Stats()
			fmt.Fprintf(stdout, "log_position=%d log_length=%d appends=%d bytes_written=%d bytes_read=%d grows=%d collisions=%d pending_writes=%d shards=%v\n",
				stats.LogPosition, stats.LogLength, stats.Appends, stats.BytesWritten, stats.BytesRead, stats.Grows, stats.Collisions, stats.PendingWrites, stats.ShardOccupancy)
		}
		return nil
	})
}

func scanCmd(args []string) {
	flags := flag.NewFlagSet("scan", flag.ExitOnError)
	sf := newStoreFlags(flags)
	offset := flags.Int("offset", 0, "entries to skip")
	limit := flags.Int("limit", 20, "max entries (0 = all)")
	flags.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	sf.run(ctx, "scan", flags, func(store *kv.Store[string, string]) error {
		return store.Scan(ctx, *offset, *limit, func(key, value string) (bool, error) {
			fmt.Fprintf(stdout, "%s=%s\n", key, value)
			return true, nil
		})
	})
}

func clearCmd(args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	sf := newStoreFlags(flags)
	flags.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	sf.run(ctx, "clear", flags, func(store *kv.Store[string, string]) error {
		return store.Clear(ctx)
	})
}

func backupCmd(args []string) {
	flags := flag.NewFlagSet("backup", flag.ExitOnError)
	sf := newStoreFlags(flags)
	dest := flags.String("dest", "", "destination URL, e.g. file:///tmp/bk, gs://bucket/path, s3://bucket/path (required)")
	stamp := flags.Bool("stamp", false, "append a UTC timestamp folder to --dest")
	flags.Parse(args)
	if *dest == "" {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	target := *dest
	if *stamp {
		target = strings.TrimRight(target, "/") + "/" + time.Now().UTC().Format("20060102T150405Z")
	}
	sf.run(ctx, "backup", flags, func(store *kv.Store[string, string]) error {
		if err := store.Backup(ctx, target); err != nil {
			return err
		}
		fmt.Fprintln(stdout, target)
		return nil
	})
}

func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	candidate := home + "/embedkv/config.yaml"
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func maybeDebugSleep(cmd string, seconds int) {
	if seconds <= 0 {
		seconds = debugSleepFromEnv()
	}
	if seconds <= 0 {
		return
	}
	log.Printf("debug: cmd=%s pid=%d sleep=%ds", cmd, os.Getpid(), seconds)
	time.Sleep(time.Duration(seconds) * time.Second)
}

func startGops() {
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		log.Printf("gops: %v", err)
	}
}

func debugSleepFromEnv() int {
	val := strings.TrimSpace(os.Getenv("EMBEDKV_DEBUG_SLEEP"))
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
