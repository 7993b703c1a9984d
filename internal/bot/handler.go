// Package bot answers Telegram chat commands: registration, opt-out and read-only queries.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"variation-radar/internal/alerting"
	"variation-radar/internal/engine"
	"variation-radar/internal/model"
)

// Controller is the part of the engine the chat commands drive.
type Controller interface {
	AddSubscriber(ctx context.Context, sub model.Subscriber) (bool, error)
	RemoveSubscriber(ctx context.Context, recipientID string) (bool, error)
	Status() engine.ScheduleState
	CurrentPrices() []alerting.PriceLine
}

// Sender posts outgoing chat messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler routes incoming commands to the controller.
type Handler struct {
	sender Sender
	ctrl   Controller
	logger zerolog.Logger
	loc    *time.Location
	now    func() time.Time
}

// NewHandler builds a command handler. loc sets the zone of displayed times; nil keeps UTC.
func NewHandler(sender Sender, ctrl Controller, loc *time.Location, logger zerolog.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		sender: sender,
		ctrl:   ctrl,
		logger: logger.With().Str("component", "bot").Logger(),
		loc:    loc,
		now:    time.Now,
	}
}

// Listen long-polls bot for updates until ctx is cancelled.
func (h *Handler) Listen(ctx context.Context, bot *tgbotapi.BotAPI, pollTimeout int) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(u)
	h.logger.Info().Str("username", bot.Self.UserName).Msg("listening for chat commands")

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			h.Handle(ctx, update)
		}
	}
}

// Handle answers one update. Non-command messages are ignored.
func (h *Handler) Handle(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}
	text := h.Respond(ctx, msg)
	if text == "" {
		return
	}
	if _, err := h.sender.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		h.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).Msg("failed to reply")
	}
}

// Respond returns the reply text for a command message.
func (h *Handler) Respond(ctx context.Context, msg *tgbotapi.Message) string {
	cmd := strings.ToLower(msg.Command())
	h.logger.Debug().Int64("chat_id", msg.Chat.ID).Str("command", cmd).Msg("command received")

	switch cmd {
	case "start":
		return h.cmdStart(ctx, msg)
	case "help", "ajuda":
		return h.cmdHelp()
	case "status":
		return h.cmdStatus()
	case "preco", "price":
		return alerting.RenderPrices(h.ctrl.CurrentPrices(), h.now().In(h.loc))
	case "config":
		return h.cmdConfig()
	case "parar", "stop":
		return h.cmdStop(ctx, msg)
	case "continuar", "resume":
		return h.cmdResume(ctx, msg)
	default:
		return "Desculpe, não reconheço esse comando. Use /help para ver a lista de comandos disponíveis."
	}
}

func (h *Handler) cmdStart(ctx context.Context, msg *tgbotapi.Message) string {
	added, err := h.ctrl.AddSubscriber(ctx, subscriberFrom(msg))
	if err != nil {
		h.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("registration failed")
		return "⚠️ Erro ao registrar. Por favor, tente novamente mais tarde."
	}

	b := strings.Builder{}
	fmt.Fprintf(&b, "Olá, %s! 👋\n\n", displayName(msg))
	fmt.Fprintf(&b, "Bem-vindo ao Radar Financeiro Bot! Estou aqui para monitorar os pares %s "+
		"e te alertar sobre variações significativas de preço.\n\n", strings.Join(h.ctrl.Status().Instruments, ", "))
	if added {
		b.WriteString("Você foi registrado para receber alertas de variação de preço. ")
	} else {
		b.WriteString("Você já está registrado para receber alertas de variação de preço. ")
	}
	b.WriteString("Use /help para ver a lista de comandos disponíveis.")
	return b.String()
}

func (h *Handler) cmdHelp() string {
	st := h.ctrl.Status()
	return "Aqui estão os comandos disponíveis:\n\n" +
		"/start - Inicia o bot e registra para receber alertas\n" +
		"/help - Mostra esta mensagem de ajuda\n" +
		"/status - Verifica o status atual do monitoramento\n" +
		"/preco - Mostra os preços atuais dos pares monitorados\n" +
		"/config - Mostra a configuração atual do bot\n" +
		"/parar - Para de receber alertas\n" +
		"/continuar - Volta a receber alertas\n\n" +
		fmt.Sprintf("Este bot monitora automaticamente os pares %s a cada %s "+
			"e envia alertas quando há variação de %s%% ou mais, junto com notícias relacionadas.",
			strings.Join(st.Instruments, " e "), formatInterval(st.Interval), st.Threshold.String())
}

func (h *Handler) cmdStatus() string {
	st := h.ctrl.Status()
	lastCheck := "Nunca"
	if st.LastCheck != nil {
		lastCheck = st.LastCheck.In(h.loc).Format(alerting.DisplayTimeLayout)
	}

	b := strings.Builder{}
	b.WriteString("🔍 Status do Monitoramento:\n\n")
	if st.Running {
		b.WriteString("✅ Monitoramento ativo\n")
	} else {
		b.WriteString("⏸️ Monitoramento parado\n")
	}
	for _, name := range st.Instruments {
		fmt.Fprintf(&b, "✅ Monitorando %s\n", name)
	}
	fmt.Fprintf(&b, "✅ Verificação a cada %s\n", formatInterval(st.Interval))
	fmt.Fprintf(&b, "✅ Alertas configurados para variações de %s%% ou mais\n\n", st.Threshold.String())
	fmt.Fprintf(&b, "Última verificação: %s", lastCheck)
	return b.String()
}

func (h *Handler) cmdConfig() string {
	st := h.ctrl.Status()
	return "⚙️ Configuração Atual:\n\n" +
		fmt.Sprintf("Pares monitorados: %s\n", strings.Join(st.Instruments, ", ")) +
		fmt.Sprintf("Intervalo de verificação: %s\n", formatInterval(st.Interval)) +
		fmt.Sprintf("Limiar de alerta: %s%% de variação\n", st.Threshold.String()) +
		"Busca de notícias: Ativada (português e inglês)\n" +
		"Modo de execução: 24/7"
}

func (h *Handler) cmdStop(ctx context.Context, msg *tgbotapi.Message) string {
	if _, err := h.ctrl.RemoveSubscriber(ctx, recipientID(msg)); err != nil {
		h.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("opt-out failed")
		return "⚠️ Não foi possível cancelar os alertas. Por favor, tente novamente mais tarde."
	}
	return "🔕 Você não receberá mais alertas de variação de preço.\n\n" +
		"Use /continuar para voltar a receber alertas."
}

func (h *Handler) cmdResume(ctx context.Context, msg *tgbotapi.Message) string {
	if _, err := h.ctrl.AddSubscriber(ctx, subscriberFrom(msg)); err != nil && !errors.Is(err, engine.ErrInvalidRecipient) {
		h.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("opt-in failed")
		return "⚠️ Não foi possível reativar os alertas. Por favor, tente novamente mais tarde."
	}
	return "🔔 Você voltará a receber alertas de variação de preço.\n\n" +
		"Use /parar para parar de receber alertas."
}

func subscriberFrom(msg *tgbotapi.Message) model.Subscriber {
	sub := model.Subscriber{RecipientID: recipientID(msg)}
	if msg.From != nil {
		sub.Username = msg.From.UserName
		sub.FirstName = msg.From.FirstName
	}
	return sub
}

func recipientID(msg *tgbotapi.Message) string {
	return strconv.FormatInt(msg.Chat.ID, 10)
}

func displayName(msg *tgbotapi.Message) string {
	if msg.From != nil && msg.From.FirstName != "" {
		return msg.From.FirstName
	}
	return "investidor"
}

func formatInterval(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minuto"
		}
		return fmt.Sprintf("%d minutos", m)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%d segundos", int(d/time.Second))
	default:
		return d.String()
	}
}
