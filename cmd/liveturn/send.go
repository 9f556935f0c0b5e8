package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liveturnhq/liveturn/internal/api"
	"github.com/liveturnhq/liveturn/internal/message"
	"github.com/liveturnhq/liveturn/internal/reconcile"
	"github.com/liveturnhq/liveturn/internal/session"
)

func newSendCmd() *cobra.Command {
	var (
		modelID    string
		regenerate bool
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the reply",
		Long: "send runs a single turn without the daemon: it sends the message, " +
			"streams the reply to completion, and prints the final content.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.TrimSpace(strings.Join(args, " "))
			if content == "" && !regenerate {
				return fmt.Errorf("message content is required")
			}
			return runSend(cmd.Context(), content, modelID, regenerate)
		},
	}
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "model id for this turn")
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "re-run the last user message")
	return cmd
}

func runSend(ctx context.Context, content, modelID string, regenerate bool) error {
	cfg, err := provideConfig()
	if err != nil {
		return err
	}
	logger := provideLogger(cfg)

	backend := api.NewClient(logger, cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.Timeout())
	store := message.NewStore(logger, cfg.Session.ConversationID)
	engine := reconcile.NewEngine(logger, store)

	// One-shot mode runs on the HTTP stream alone; no event channel.
	ctrl := session.NewController(logger, backend, nil, store, engine, session.Options{
		DefaultModel:    cfg.Session.DefaultModel,
		ConnectTimeout:  cfg.Session.ConnectTimeout(),
		ExtractDebounce: cfg.Session.ExtractDebounce(),
		DriftInterval:   cfg.Session.DriftInterval(),
		ReconnectWait:   cfg.Session.ReconnectWait(),
		PollBackoff:     cfg.Session.PollBackoff(),
		PollRetries:     cfg.Session.PollRetries,
	})

	if convID := strings.TrimSpace(cfg.Session.ConversationID); convID != "" {
		conv, err := backend.Conversation(ctx, convID)
		if err != nil {
			logger.Warn("conversation load failed, sending without history")
		} else {
			engine.AdoptServerSnapshot(conv.ToMessages(), "")
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := ctrl.Send(ctx, session.SendInput{
		Content:    content,
		ModelID:    modelID,
		Regenerate: regenerate,
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		if cancelErr := ctrl.Cancel(context.Background()); cancelErr != nil {
			logger.Debug("cancel after interrupt failed")
		}
		<-sess.Done()
	}

	reply, ok := store.Get(sess.TargetID())
	if !ok {
		return fmt.Errorf("reply message missing from store")
	}
	if reply.Error != "" {
		return fmt.Errorf("turn failed: %s", reply.Error)
	}
	fmt.Println(reply.Content)
	return nil
}
