// Package slackcmd runs the chat front-end: a Slack Socket Mode loop that
// answers app mentions through the agent gateway, replying in the mention's
// thread.
package slackcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/askbird/askbird/internal/config"
)

const (
	ackMessage     = "I'm working on your request... 🤔"
	apologyMessage = "I apologize, but I encountered an error while processing your request. Please try again later."
)

// AnswerFunc turns one utterance into one final answer.
type AnswerFunc func(ctx context.Context, utterance string) (string, error)

type Options struct {
	Config config.Config
	Logger *slog.Logger
	Answer AnswerFunc

	// HTTPClient and APIBaseURL are overridable for tests.
	HTTPClient *http.Client
	APIBaseURL string
}

type socketEnvelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type eventsAPIPayload struct {
	Event json.RawMessage `json:"event,omitempty"`
}

type mentionPayloadEvent struct {
	Type     string `json:"type,omitempty"`
	Subtype  string `json:"subtype,omitempty"`
	User     string `json:"user,omitempty"`
	Text     string `json:"text,omitempty"`
	Channel  string `json:"channel,omitempty"`
	TS       string `json:"ts,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
}

// mentionEvent is one accepted app_mention, mention marker already stripped.
type mentionEvent struct {
	UserID    string
	ChannelID string
	Text      string
	MessageTS string
	ThreadTS  string
}

var mentionPattern = regexp.MustCompile(`^<@([A-Z0-9]+)(?:\|[^>]+)?>\s*`)

// Run connects to Slack in Socket Mode and serves mention events until the
// context is canceled. Mentions are handled synchronously on the socket read
// loop, so a slow agent call serializes later mentions; this mirrors the
// single-threaded dispatch the bot has always had.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Answer == nil {
		return fmt.Errorf("answer func is required")
	}

	api := newAPIClient(opts.HTTPClient, opts.APIBaseURL, opts.Config.Slack.BotToken, opts.Config.Slack.AppToken)
	auth, err := api.authTest(ctx)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	botUserID := auth.UserID
	if botUserID == "" {
		return fmt.Errorf("slack auth.test returned empty user_id")
	}
	logger.Info("slack_start", "bot_user_id", botUserID, "team", auth.Team)

	post := func(ctx context.Context, channelID, text, threadTS string) error {
		return api.postMessage(ctx, channelID, text, threadTS)
	}

	for {
		if ctx.Err() != nil {
			logger.Info("slack_stop", "reason", "context_canceled")
			return nil
		}
		conn, err := api.connectSocket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("slack_stop", "reason", "context_canceled")
				return nil
			}
			logger.Warn("slack_socket_connect_error", "error", err.Error())
			if err := sleepWithContext(ctx, 2*time.Second); err != nil {
				return nil
			}
			continue
		}
		logger.Info("slack_socket_connected")
		readErr := consumeSocket(ctx, conn, func(envelope socketEnvelope) error {
			event, ok, err := parseMentionEvent(envelope, botUserID)
			if err != nil {
				logger.Warn("slack_event_parse_error", "error", err.Error())
				return nil
			}
			if !ok {
				return nil
			}
			handleMention(ctx, logger, post, opts.Answer, event)
			return nil
		})
		_ = conn.Close()
		if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded) {
			logger.Warn("slack_socket_read_error", "error", readErr.Error())
		}
	}
}

// consumeSocket reads envelopes until the connection or context fails,
// acknowledging every envelope that carries an id.
func consumeSocket(ctx context.Context, conn *websocket.Conn, onEnvelope func(envelope socketEnvelope) error) error {
	if conn == nil {
		return fmt.Errorf("slack websocket connection is nil")
	}
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope socketEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if strings.TrimSpace(envelope.EnvelopeID) != "" {
			if err := conn.WriteJSON(map[string]string{"envelope_id": envelope.EnvelopeID}); err != nil {
				return err
			}
		}
		if onEnvelope == nil {
			continue
		}
		if err := onEnvelope(envelope); err != nil {
			return err
		}
	}
}

// parseMentionEvent accepts only app_mention events from real users that
// carry text, a channel and a timestamp. The bot's own mention marker is
// stripped from the text.
func parseMentionEvent(envelope socketEnvelope, botUserID string) (mentionEvent, bool, error) {
	if strings.TrimSpace(envelope.Type) != "events_api" || len(envelope.Payload) == 0 {
		return mentionEvent{}, false, nil
	}
	var payload eventsAPIPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return mentionEvent{}, false, err
	}
	var event mentionPayloadEvent
	if err := json.Unmarshal(payload.Event, &event); err != nil {
		return mentionEvent{}, false, err
	}
	if strings.TrimSpace(event.Type) != "app_mention" {
		return mentionEvent{}, false, nil
	}
	if strings.TrimSpace(event.Subtype) != "" {
		return mentionEvent{}, false, nil
	}
	if strings.TrimSpace(event.BotID) != "" {
		return mentionEvent{}, false, nil
	}
	userID := strings.TrimSpace(event.User)
	if userID == "" || userID == strings.TrimSpace(botUserID) {
		return mentionEvent{}, false, nil
	}
	channelID := strings.TrimSpace(event.Channel)
	if channelID == "" {
		return mentionEvent{}, false, nil
	}
	messageTS := strings.TrimSpace(event.TS)
	if messageTS == "" {
		return mentionEvent{}, false, nil
	}
	text := stripBotMention(event.Text, botUserID)
	if text == "" {
		return mentionEvent{}, false, nil
	}
	return mentionEvent{
		UserID:    userID,
		ChannelID: channelID,
		Text:      text,
		MessageTS: messageTS,
		ThreadTS:  strings.TrimSpace(event.ThreadTS),
	}, true, nil
}

// stripBotMention removes a leading <@botID> marker and trims the rest.
func stripBotMention(text, botUserID string) string {
	text = strings.TrimSpace(text)
	match := mentionPattern.FindStringSubmatch(text)
	if len(match) == 2 && match[1] == strings.TrimSpace(botUserID) {
		text = text[len(match[0]):]
	}
	return strings.TrimSpace(text)
}

type postFunc func(ctx context.Context, channelID, text, threadTS string) error

// handleMention walks one mention through Received → Acknowledged →
// (Answered | Failed). The acknowledgment always goes out before the agent
// call, and exactly one terminal message follows it, always into the same
// thread. Errors never escape this function; detail goes to the log, the
// user only ever sees the fixed apology.
func handleMention(ctx context.Context, logger *slog.Logger, post postFunc, answer AnswerFunc, event mentionEvent) {
	threadTS := event.ThreadTS
	if threadTS == "" {
		threadTS = event.MessageTS
	}

	if err := post(ctx, event.ChannelID, ackMessage, threadTS); err != nil {
		logger.Warn("slack_ack_post_error", "channel_id", event.ChannelID, "thread_ts", threadTS, "error", err.Error())
	}

	answerText, err := answer(ctx, event.Text)
	if err != nil {
		logger.Warn("slack_answer_error", "channel_id", event.ChannelID, "thread_ts", threadTS, "error", err.Error())
		if err := post(ctx, event.ChannelID, userMention(event.UserID)+" "+apologyMessage, threadTS); err != nil {
			logger.Warn("slack_apology_post_error", "channel_id", event.ChannelID, "thread_ts", threadTS, "error", err.Error())
		}
		return
	}

	if err := post(ctx, event.ChannelID, userMention(event.UserID)+" "+answerText, threadTS); err != nil {
		logger.Warn("slack_answer_post_error", "channel_id", event.ChannelID, "thread_ts", threadTS, "error", err.Error())
	}
}

func userMention(userID string) string {
	return "<@" + strings.TrimSpace(userID) + ">"
}
