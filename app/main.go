package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sitekit/jobstore/app/config"
	"github.com/sitekit/jobstore/app/notify"
	"github.com/sitekit/jobstore/app/service"
	"github.com/sitekit/jobstore/app/store"
	"github.com/sitekit/jobstore/app/web"
)

var opts struct {
	Conf string `short:"f" long:"conf" env:"JOBSTORE_CONF" description:"optional yaml config with cleanup and notify settings"`

	Store struct {
		Type        string `long:"type" env:"TYPE" default:"local" choice:"local" choice:"sqlite" description:"storage backend"`
		Root        string `long:"root" env:"ROOT" default:"./var/jobs" description:"jobs root directory (local backend)"`
		DBFile      string `long:"db" env:"DB" default:"./var/jobs.db" description:"database file (sqlite backend)"`
		Concurrency int    `long:"concurrency" env:"CONCURRENCY" default:"1" description:"parallel loads on enumeration"`
	} `group:"store" namespace:"store" env-namespace:"JOBSTORE_STORE"`

	Web struct {
		Address      string `long:"address" env:"ADDRESS" default:":8080" description:"web server listen address"`
		PasswordHash string `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash enabling basic auth"`
		MinFreeMB    uint64 `long:"min-free-mb" env:"MIN_FREE_MB" description:"refuse creates when free space below this (MB)"`
	} `group:"web" namespace:"web" env-namespace:"JOBSTORE_WEB"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times repeat failed cleanup pass"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"JOBSTORE_REPEATER"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"file" env:"FILE" description:"log to file instead of stdout"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"JOBSTORE_LOG"`

	Dbg bool `long:"dbg" env:"JOBSTORE_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("jobstore %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	st, err := makeStore()
	if err != nil {
		log.Printf("[ERROR] can't make store, %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] failed to close store, %v", err)
		}
	}()

	var cfg *config.YamlConfig
	if opts.Conf != "" {
		if cfg, err = config.Load(opts.Conf); err != nil {
			log.Printf("[ERROR] can't load config %s, %v", opts.Conf, err)
			os.Exit(1)
		}
	}

	if cfg != nil && cfg.Cleanup.Enabled {
		cleaner := service.Cleaner{
			Cron:     cron.New(),
			Store:    st,
			Schedule: cfg.Cleanup.Schedule,
			MaxAge:   cfg.Cleanup.MaxAge,
			Statuses: cfg.Cleanup.Statuses,
			Repeater: repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
				Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter}),
		}
		go func() {
			if err := cleaner.Do(ctx); err != nil {
				log.Printf("[WARN] cleaner terminated, %v", err)
			}
		}()
	}

	srv, err := web.New(web.Config{
		Store:        st,
		Notifier:     makeNotifier(cfg),
		Version:      revision,
		PasswordHash: opts.Web.PasswordHash,
		JobsRoot:     opts.Store.Root,
		MinFreeMB:    opts.Web.MinFreeMB,
	})
	if err != nil {
		log.Printf("[ERROR] can't make web server, %v", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx, opts.Web.Address); err != nil {
		log.Printf("[ERROR] web server failed, %v", err)
		os.Exit(1)
	}
}

// makeStore creates the storage backend from options
func makeStore() (store.Interface, error) {
	switch opts.Store.Type {
	case "local":
		return store.NewLocal(opts.Store.Root, opts.Store.Concurrency), nil
	case "sqlite":
		return store.NewSQLite(opts.Store.DBFile)
	}
	return nil, fmt.Errorf("unsupported store type %q", opts.Store.Type)
}

// makeNotifier creates the notification service from yaml config, nil if not configured
func makeNotifier(cfg *config.YamlConfig) *notify.Service {
	if cfg == nil {
		return nil
	}
	return notify.NewService(notify.Params{
		Destinations: cfg.Notify.Destinations,
		OnStatuses:   cfg.Notify.OnStatuses,
		Timeout:      cfg.Notify.Timeout,
	})
}

// setupLogs configures logging and returns the log writer
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
			LocalTime:  true,
		}
		logOpts = append(logOpts, log.Out(fileLogger), log.Err(fileLogger))
		log.Setup(logOpts...)
		return fileLogger
	}

	log.Setup(logOpts...)
	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
