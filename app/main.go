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
	"github.com/google/uuid"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/rowjobs/app/api"
	"github.com/umputun/rowjobs/app/backend"
	"github.com/umputun/rowjobs/app/config"
	"github.com/umputun/rowjobs/app/engine"
	"github.com/umputun/rowjobs/app/job"
	"github.com/umputun/rowjobs/app/notify"
	"github.com/umputun/rowjobs/app/poller"
	"github.com/umputun/rowjobs/app/session"
	"github.com/umputun/rowjobs/app/store"
)

var opts struct {
	Categories   string `short:"c" long:"categories" env:"ROWJOBS_CATEGORIES" default:"categories.yml" description:"categories file"`
	Listen       string `short:"l" long:"listen" env:"ROWJOBS_LISTEN" default:"127.0.0.1:8080" description:"api listen address"`
	PasswordHash string `long:"password-hash" env:"ROWJOBS_PASSWORD_HASH" description:"bcrypt hash for api basic auth"`
	Dbg          bool   `long:"dbg" env:"ROWJOBS_DEBUG" description:"debug mode"`

	Backend struct {
		URL     string        `long:"url" env:"URL" required:"true" description:"backend base url"`
		Token   string        `long:"token" env:"TOKEN" description:"backend bearer token"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"backend request timeout"`
		Retries int           `long:"retries" env:"RETRIES" default:"3" description:"attempts for rows queries"`
		Backoff time.Duration `long:"backoff" env:"BACKOFF" default:"500ms" description:"initial retry delay"`
	} `group:"backend" namespace:"backend" env-namespace:"ROWJOBS_BACKEND"`

	Polling struct {
		Overview time.Duration `long:"overview" env:"OVERVIEW" default:"10m" description:"completed jobs refresh interval"`
		Running  time.Duration `long:"running" env:"RUNNING" default:"30s" description:"running jobs refresh interval"`
		Grace    time.Duration `long:"grace" env:"GRACE" default:"1s" description:"resume delay after navigation"`
	} `group:"polling" namespace:"polling" env-namespace:"ROWJOBS_POLLING"`

	Session struct {
		DB     string        `long:"db" env:"DB" default:"rowjobs.db" description:"session database file"`
		ID     string        `long:"id" env:"ID" description:"session id, random if not set"`
		Keep   bool          `long:"keep" env:"KEEP" description:"keep session data on shutdown"`
		MaxAge time.Duration `long:"max-age" env:"MAX_AGE" default:"24h" description:"drop other sessions older than this"`
	} `group:"session" namespace:"session" env-namespace:"ROWJOBS_SESSION"`

	Notify struct {
		Destinations []string      `long:"dest" env:"DEST" env-delim:"," description:"webhook urls or mailto: destinations"`
		OnCompleted  bool          `long:"on-completed" env:"ON_COMPLETED" description:"notify on completed jobs"`
		OnFailed     bool          `long:"on-failed" env:"ON_FAILED" description:"notify on failed jobs"`
		Template     string        `long:"template" env:"TEMPLATE" description:"message template file"`
		SMTPHost     string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort     int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS      bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		From         string        `long:"from" env:"FROM" description:"SMTP from email"`
		Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"ROWJOBS_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"rowjobs.log" description:"log file"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"ROWJOBS_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("rowjobs %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(setupLogs())}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	navigations := make(chan struct{}, 1)
	signals(cancel, navigations) // handle SIGQUIT, SIGTERM and SIGHUP

	if err := run(ctx, navigations); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, navigations <-chan struct{}) error {
	cfg, err := config.Load(opts.Categories)
	if err != nil {
		return err
	}

	sess, err := session.NewSQLite(opts.Session.DB, sessionID())
	if err != nil {
		return fmt.Errorf("can't open session store: %w", err)
	}
	defer closeSession(sess)
	if err = sess.Cleanup(opts.Session.MaxAge); err != nil {
		log.Printf("[WARN] can't cleanup stale sessions, %v", err)
	}

	persister := session.NewJSON(sess, log.Default())
	st := store.New(persister, log.Default())
	client := backend.New(backend.Params{BaseURL: opts.Backend.URL, Token: opts.Backend.Token,
		Timeout: opts.Backend.Timeout, Retries: opts.Backend.Retries, Backoff: opts.Backend.Backoff})
	notifier := makeNotifier()
	coord := poller.New(poller.Params{RunningInterval: opts.Polling.Running, Grace: opts.Polling.Grace, Logger: log.Default()})

	engines := make([]api.Engine, 0, len(cfg.Categories))
	for _, cat := range cfg.Categories {
		e, err := engine.New(engine.Params{
			Type:            job.Type(cat.Name),
			Transport:       client,
			Store:           st,
			Persister:       persister,
			Notifier:        categoryNotifier(notifier, cat),
			RequiredColumns: cat.RequiredColumns,
			Concurrency:     cat.Concurrency,
			Logger:          log.Default(),
		})
		if err != nil {
			return fmt.Errorf("can't make engine for %s: %w", cat.Name, err)
		}
		coord.Register(poller.Category{Service: e, OverviewInterval: cat.OverviewInterval, RunningInterval: cat.RunningInterval})
		engines = append(engines, e)
	}

	srv, err := api.New(api.Config{Engines: engines, Coordinator: coord, Store: st, Version: revision,
		PasswordHash: opts.PasswordHash})
	if err != nil {
		return err
	}

	coord.Start(opts.Polling.Overview)
	defer coord.StopAll()
	go coord.Listen(ctx, navigations)

	return srv.Run(ctx, opts.Listen)
}

func sessionID() string {
	if opts.Session.ID != "" {
		return opts.Session.ID
	}
	return uuid.NewString()
}

// closeSession drops session data unless asked to keep it and closes the store
func closeSession(sess *session.SQLite) {
	if !opts.Session.Keep {
		if err := sess.End(); err != nil {
			log.Printf("[WARN] can't end session, %v", err)
		}
	}
	if err := sess.Close(); err != nil {
		log.Printf("[WARN] can't close session store, %v", err)
	}
}

func makeNotifier() *notify.Service {
	if len(opts.Notify.Destinations) == 0 {
		return nil
	}
	from := opts.Notify.From
	if from == "" {
		from = "rowjobs@" + makeHostName()
	}
	return notify.NewService(
		notify.Params{
			Destinations: opts.Notify.Destinations,
			OnCompleted:  opts.Notify.OnCompleted,
			OnFailed:     opts.Notify.OnFailed,
			Template:     opts.Notify.Template,
			Logger:       log.Default(),
		},
		notify.SendersParams{
			SMTPHost:     opts.Notify.SMTPHost,
			SMTPPort:     opts.Notify.SMTPPort,
			SMTPTLS:      opts.Notify.SMTPTLS,
			SMTPUsername: opts.Notify.SMTPUsername,
			SMTPPassword: opts.Notify.SMTPPassword,
			FromEmail:    from,
			Timeout:      opts.Notify.Timeout,
		},
	)
}

// categoryNotifier applies per-category switches, nil service keeps notifications off
func categoryNotifier(svc *notify.Service, cat config.Category) engine.Notifier {
	if svc == nil {
		return nil
	}
	if cat.Notify != nil {
		return svc.For(cat.Notify.OnCompleted, cat.Notify.OnFailed)
	}
	return svc
}

func makeHostName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
}

// signals handles SIGQUIT with stack dump, SIGTERM/SIGINT with cancel and SIGHUP as a navigation signal
func signals(cancel context.CancelFunc, navigations chan<- struct{}) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			switch sig {
			case syscall.SIGQUIT: // print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
			case syscall.SIGHUP:
				select {
				case navigations <- struct{}{}:
				default: // navigation pending already
				}
			default:
				cancel()
			}
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
}
