package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"variation-radar/internal/api"
	"variation-radar/internal/bot"
	"variation-radar/internal/config"
	"variation-radar/internal/dispatch"
	"variation-radar/internal/engine"
	"variation-radar/internal/fetcher"
	"variation-radar/internal/news"
	"variation-radar/internal/notifier"
	"variation-radar/internal/report"
	"variation-radar/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) location() *time.Location {
	loc, err := a.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	return storage.Open(ctx, a.Config.Storage, a.Logger)
}

func (a *App) newInstruments() ([]engine.Instrument, error) {
	instruments := make([]engine.Instrument, 0, len(a.Config.Instruments))
	for _, inst := range a.Config.Instruments {
		feed, err := fetcher.New(inst, a.Logger)
		if err != nil {
			return nil, err
		}
		instruments = append(instruments, engine.Instrument{
			Name:           inst.Name,
			Feed:           feed,
			CurrencySymbol: inst.CurrencySymbol,
		})
	}
	return instruments, nil
}

// telegramAPI returns the Bot API client shared by alert delivery and chat commands, or nil
// when telegram is disabled. With verify set it checks the token with getMe and reports
// whether the client may long-poll; a failed check falls back to a send-only client.
func (a *App) telegramAPI(verify bool) (*tgbotapi.BotAPI, bool) {
	cfg := a.Config.Telegram
	if !cfg.Enabled {
		return nil, false
	}
	client := &http.Client{Timeout: time.Duration(cfg.PollTimeout+10) * time.Second}
	if verify {
		endpoint := strings.TrimRight(cfg.APIBase, "/") + "/bot%s/%s"
		botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, client)
		if err == nil {
			return botAPI, true
		}
		a.Logger.Error().Err(err).Msg("telegram token check failed; chat commands disabled")
	}
	return notifier.NewBotAPI(cfg.BotToken, cfg.APIBase, client), false
}

func (a *App) newNotifier(botAPI *tgbotapi.BotAPI) notifier.Notifier {
	if botAPI != nil {
		return notifier.NewTelegramNotifier(botAPI, notifier.TelegramOptions{
			RateLimit: a.Config.Telegram.RateLimit,
			Burst:     a.Config.Telegram.Burst,
		}, a.Logger)
	}
	a.Logger.Warn().Msg("telegram disabled; alerts are written to the log")
	return notifier.NewLogNotifier(a.Logger)
}

// newEngine wires feeds, news, dispatcher and storage into an engine. The returned closer
// releases the news provider.
func (a *App) newEngine(ctx context.Context, backend storage.Backend, instruments []engine.Instrument, n notifier.Notifier) (*engine.Engine, func() error, error) {
	provider, closeNews, err := news.New(ctx, a.Config.News, a.Logger)
	if err != nil {
		return nil, nil, err
	}

	d := dispatch.New(n, provider, backend, dispatch.Options{
		MaxParallel: a.Config.Dispatch.MaxParallel,
		MaxItems:    a.Config.News.MaxItems,
		Location:    a.location(),
	}, a.Logger)

	e, err := engine.New(engine.Deps{
		Instruments: instruments,
		Storage:     backend,
		Dispatcher:  d,
	}, engine.Options{
		Interval:        a.Config.Scheduler.Interval,
		Threshold:       decimal.NewFromFloat(a.Config.Alerting.ThresholdPct),
		AlignToStart:    a.Config.Scheduler.AlignToBucket,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		HistoryCapacity: a.Config.Storage.HistoryLimit,
		AlertCapacity:   a.Config.Storage.AlertLimit,
	}, a.Logger)
	if err != nil {
		_ = closeNews()
		return nil, nil, err
	}
	return e, closeNews, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	instruments, err := a.newInstruments()
	if err != nil {
		return err
	}
	botAPI, canPoll := a.telegramAPI(true)
	e, closeNews, err := a.newEngine(ctx, backend, instruments, a.newNotifier(botAPI))
	if err != nil {
		return err
	}
	defer closeNews()

	if err := e.Load(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("starting with partial history")
	}

	if a.Config.Scheduler.AutoStart {
		if err := e.Start(ctx); err != nil {
			return err
		}
		a.Logger.Info().Strs("instruments", e.Instruments()).Msg("monitoring service started")
	} else {
		a.Logger.Info().Msg("auto start disabled; waiting for a start request")
	}

	if a.Config.API.Enabled {
		srv := api.NewServer(ctx, e, a.Logger)
		go func() {
			if err := srv.ListenAndServe(ctx, a.Config.API.Addr); err != nil {
				a.Logger.Error().Err(err).Msg("http api stopped")
			}
		}()
	}

	if canPoll && a.Config.Telegram.Commands {
		handler := bot.NewHandler(botAPI, e, a.location(), a.Logger)
		go handler.Listen(ctx, botAPI, a.Config.Telegram.PollTimeout)
	}

	if a.Config.Report.Enabled {
		rep, err := report.New(ctx, e, a.Config.Report.Schedule, a.location(), a.Logger)
		if err != nil {
			return err
		}
		rep.Start()
		defer rep.Stop()
	}

	<-ctx.Done()
	if done := e.Done(); done != nil {
		e.Stop()
		<-done
	}
	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Instrument string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// SimulateOptions describe a synthetic price move.
type SimulateOptions struct {
	Instrument string
	Previous   decimal.Decimal
	Current    decimal.Decimal
}

var errNoInstrument = errors.New("instrument is not configured")

func (a *App) instrumentConfig(name string) (config.InstrumentConfig, error) {
	if name == "" && len(a.Config.Instruments) > 0 {
		return a.Config.Instruments[0], nil
	}
	for _, inst := range a.Config.Instruments {
		if inst.Name == name {
			return inst, nil
		}
	}
	return config.InstrumentConfig{}, fmt.Errorf("%w: %q", errNoInstrument, name)
}
