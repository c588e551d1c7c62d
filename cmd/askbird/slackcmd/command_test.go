package slackcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func mentionEnvelope(t *testing.T, event map[string]any) socketEnvelope {
	t.Helper()
	rawEvent, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	payload, err := json.Marshal(map[string]any{"event": json.RawMessage(rawEvent)})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return socketEnvelope{
		EnvelopeID: "env_1",
		Type:       "events_api",
		Payload:    payload,
	}
}

func TestParseMentionEventAcceptsAppMention(t *testing.T) {
	t.Parallel()

	envelope := mentionEnvelope(t, map[string]any{
		"type":    "app_mention",
		"user":    "U111",
		"text":    "<@B999> what were yesterday's top queries?",
		"channel": "C222",
		"ts":      "1739667000.000100",
	})
	event, ok, err := parseMentionEvent(envelope, "B999")
	if err != nil {
		t.Fatalf("parseMentionEvent() error = %v", err)
	}
	if !ok {
		t.Fatalf("accepted mismatch: got false want true")
	}
	if event.UserID != "U111" {
		t.Fatalf("user_id mismatch: got %q want %q", event.UserID, "U111")
	}
	if event.Text != "what were yesterday's top queries?" {
		t.Fatalf("text mismatch: got %q", event.Text)
	}
	if event.ThreadTS != "" {
		t.Fatalf("thread_ts mismatch: got %q want empty", event.ThreadTS)
	}
	if event.MessageTS != "1739667000.000100" {
		t.Fatalf("message_ts mismatch: got %q", event.MessageTS)
	}
}

func TestParseMentionEventKeepsExistingThread(t *testing.T) {
	t.Parallel()

	envelope := mentionEnvelope(t, map[string]any{
		"type":      "app_mention",
		"user":      "U111",
		"text":      "<@B999> follow-up",
		"channel":   "C222",
		"ts":        "1739667000.000200",
		"thread_ts": "1739667000.000100",
	})
	event, ok, err := parseMentionEvent(envelope, "B999")
	if err != nil || !ok {
		t.Fatalf("parseMentionEvent() = %v, %v", ok, err)
	}
	if event.ThreadTS != "1739667000.000100" {
		t.Fatalf("thread_ts mismatch: got %q", event.ThreadTS)
	}
}

func TestParseMentionEventIgnoresNonMentions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		event map[string]any
	}{
		{name: "plain message", event: map[string]any{
			"type": "message", "user": "U111", "text": "hi", "channel": "C222", "ts": "1.2",
		}},
		{name: "bot message", event: map[string]any{
			"type": "app_mention", "user": "U111", "bot_id": "B123", "text": "hi", "channel": "C222", "ts": "1.2",
		}},
		{name: "self mention", event: map[string]any{
			"type": "app_mention", "user": "B999", "text": "hi", "channel": "C222", "ts": "1.2",
		}},
		{name: "subtype set", event: map[string]any{
			"type": "app_mention", "subtype": "message_changed", "user": "U111", "text": "hi", "channel": "C222", "ts": "1.2",
		}},
		{name: "empty text after strip", event: map[string]any{
			"type": "app_mention", "user": "U111", "text": "<@B999>", "channel": "C222", "ts": "1.2",
		}},
		{name: "missing channel", event: map[string]any{
			"type": "app_mention", "user": "U111", "text": "hi", "ts": "1.2",
		}},
		{name: "missing ts", event: map[string]any{
			"type": "app_mention", "user": "U111", "text": "hi", "channel": "C222",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, ok, err := parseMentionEvent(mentionEnvelope(t, tc.event), "B999")
			if err != nil {
				t.Fatalf("parseMentionEvent() error = %v", err)
			}
			if ok {
				t.Fatalf("accepted mismatch: got true want false")
			}
		})
	}
}

func TestParseMentionEventIgnoresNonEventEnvelopes(t *testing.T) {
	t.Parallel()

	_, ok, err := parseMentionEvent(socketEnvelope{Type: "hello"}, "B999")
	if err != nil {
		t.Fatalf("parseMentionEvent() error = %v", err)
	}
	if ok {
		t.Fatalf("accepted mismatch: got true want false")
	}
}

func TestStripBotMention(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "<@B999> top queries", want: "top queries"},
		{in: "<@B999|askbird> top queries", want: "top queries"},
		{in: "<@U111> not the bot", want: "<@U111> not the bot"},
		{in: "no mention at all", want: "no mention at all"},
		{in: "  <@B999>   padded  ", want: "padded"},
	}
	for _, tc := range cases {
		if got := stripBotMention(tc.in, "B999"); got != tc.want {
			t.Fatalf("stripBotMention(%q) mismatch: got %q want %q", tc.in, got, tc.want)
		}
	}
}

type postedMessage struct {
	Text     string
	ThreadTS string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleMentionAcknowledgesBeforeAnswering(t *testing.T) {
	t.Parallel()

	var posted []postedMessage
	answered := false
	post := func(ctx context.Context, channelID, text, threadTS string) error {
		posted = append(posted, postedMessage{Text: text, ThreadTS: threadTS})
		return nil
	}
	answer := func(ctx context.Context, utterance string) (string, error) {
		if len(posted) != 1 {
			t.Fatalf("ack count before answer mismatch: got %d want 1", len(posted))
		}
		answered = true
		return "here are the top queries", nil
	}

	handleMention(context.Background(), discardLogger(), post, answer, mentionEvent{
		UserID:    "U111",
		ChannelID: "C222",
		Text:      "what were yesterday's top queries?",
		MessageTS: "1739667000.000100",
	})

	if !answered {
		t.Fatalf("answer func was not called")
	}
	if len(posted) != 2 {
		t.Fatalf("post count mismatch: got %d want 2", len(posted))
	}
	if posted[0].Text != ackMessage {
		t.Fatalf("ack text mismatch: got %q", posted[0].Text)
	}
	if posted[1].Text != "<@U111> here are the top queries" {
		t.Fatalf("answer text mismatch: got %q", posted[1].Text)
	}
	// No thread_ts on the event: the event's own ts starts the thread.
	for i, msg := range posted {
		if msg.ThreadTS != "1739667000.000100" {
			t.Fatalf("message %d thread_ts mismatch: got %q", i, msg.ThreadTS)
		}
	}
}

func TestHandleMentionPostsExactlyOneApologyOnFailure(t *testing.T) {
	t.Parallel()

	var posted []postedMessage
	post := func(ctx context.Context, channelID, text, threadTS string) error {
		posted = append(posted, postedMessage{Text: text, ThreadTS: threadTS})
		return nil
	}
	answer := func(ctx context.Context, utterance string) (string, error) {
		return "", fmt.Errorf("tool service unreachable")
	}

	handleMention(context.Background(), discardLogger(), post, answer, mentionEvent{
		UserID:    "U111",
		ChannelID: "C222",
		Text:      "question",
		MessageTS: "1739667000.000100",
		ThreadTS:  "1739667000.000050",
	})

	if len(posted) != 2 {
		t.Fatalf("post count mismatch: got %d want 2", len(posted))
	}
	if !strings.HasPrefix(posted[1].Text, "<@U111> ") {
		t.Fatalf("apology missing user mention: got %q", posted[1].Text)
	}
	if !strings.Contains(posted[1].Text, apologyMessage) {
		t.Fatalf("apology text mismatch: got %q", posted[1].Text)
	}
	if strings.Contains(posted[1].Text, "unreachable") {
		t.Fatalf("error detail leaked to user: %q", posted[1].Text)
	}
	// Replies go to the existing thread, not the message ts.
	if posted[0].ThreadTS != "1739667000.000050" || posted[1].ThreadTS != "1739667000.000050" {
		t.Fatalf("thread_ts mismatch: got %q and %q", posted[0].ThreadTS, posted[1].ThreadTS)
	}
}

func TestHandleMentionSurvivesAckFailure(t *testing.T) {
	t.Parallel()

	var posted []postedMessage
	calls := 0
	post := func(ctx context.Context, channelID, text, threadTS string) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("rate limited")
		}
		posted = append(posted, postedMessage{Text: text, ThreadTS: threadTS})
		return nil
	}
	answer := func(ctx context.Context, utterance string) (string, error) {
		return "answer", nil
	}

	handleMention(context.Background(), discardLogger(), post, answer, mentionEvent{
		UserID:    "U111",
		ChannelID: "C222",
		Text:      "question",
		MessageTS: "1.2",
	})

	if len(posted) != 1 {
		t.Fatalf("terminal message count mismatch: got %d want 1", len(posted))
	}
	if posted[0].Text != "<@U111> answer" {
		t.Fatalf("answer text mismatch: got %q", posted[0].Text)
	}
}

func TestRunRequiresAnswerFunc(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), Options{Logger: discardLogger()})
	if err == nil || !strings.Contains(err.Error(), "answer func is required") {
		t.Fatalf("Run() error mismatch: got %v", err)
	}
}
