package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"variation-radar/internal/model"
)

// ListSubscribers prints every registered recipient.
func (a *App) ListSubscribers(ctx context.Context, out io.Writer) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	subs, err := backend.ListSubscribers(ctx)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Fprintln(out, "no subscribers registered")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Chat ID\tUsername\tFirst name\tRegistered (UTC)")
	for _, sub := range subs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			sub.RecipientID,
			sanitizeInline(sub.Username),
			sanitizeInline(sub.FirstName),
			sub.RegisteredAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

// AddSubscriber registers a recipient. It reports false when already registered.
func (a *App) AddSubscriber(ctx context.Context, sub model.Subscriber) (bool, error) {
	sub.RecipientID = strings.TrimSpace(sub.RecipientID)
	if sub.RecipientID == "" {
		return false, errors.New("chat id is required")
	}
	if sub.RegisteredAt.IsZero() {
		sub.RegisteredAt = time.Now().UTC()
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return false, err
	}
	defer backend.Close()
	return backend.AddSubscriber(ctx, sub)
}

// RemoveSubscriber unregisters a recipient. It reports false when it was not registered.
func (a *App) RemoveSubscriber(ctx context.Context, recipientID string) (bool, error) {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return false, err
	}
	defer backend.Close()
	return backend.RemoveSubscriber(ctx, strings.TrimSpace(recipientID))
}
