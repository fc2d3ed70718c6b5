package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/queue"
	"github.com/kalambet/docqa/internal/storage"
)

// --- doc ---

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Register and list documents",
}

var docAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a PDF document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		doc, err := addDocument(cmd.Context(), client, path, title)
		if err != nil {
			return err
		}

		printSuccess("Registered %q (%d pages) as %s", doc.Title, doc.PageCount, doc.ID)
		return nil
	},
}

var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var docs []storage.Document
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit), &docs); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, docs)
		}
		writeDocuments(os.Stdout, docs)
		return nil
	},
}

var docReindexCmd = &cobra.Command{
	Use:   "reindex <document-id>",
	Short: "Rebuild the page index of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		doc, err := reindexDocument(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Page index of %q queued for rebuild", doc.Title)
		return nil
	},
}

func init() {
	docAddCmd.Flags().String("title", "", "title for the document (defaults to the file name)")
	docListCmd.Flags().Int("limit", 50, "maximum number of documents to list")
	docListCmd.Flags().Bool("json", false, "print documents as JSON")
	docCmd.AddCommand(docAddCmd)
	docCmd.AddCommand(docListCmd)
	docCmd.AddCommand(docReindexCmd)
}

func addDocument(ctx context.Context, client *apiClient, path, title string) (storage.Document, error) {
	req := map[string]any{"path": path}
	if title != "" {
		req["title"] = title
	}
	resp, err := client.post(ctx, "/documents", req)
	if err != nil {
		return storage.Document{}, err
	}
	var doc storage.Document
	if err := decodeJSON(resp, &doc); err != nil {
		return storage.Document{}, err
	}
	return doc, nil
}

func reindexDocument(ctx context.Context, client *apiClient, documentID string) (storage.Document, error) {
	resp, err := client.post(ctx, "/documents/"+url.PathEscape(documentID)+"/reindex", nil)
	if err != nil {
		return storage.Document{}, err
	}
	var doc storage.Document
	if err := decodeJSON(resp, &doc); err != nil {
		return storage.Document{}, err
	}
	return doc, nil
}

func writeDocuments(w io.Writer, docs []storage.Document) {
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents registered.")
		return
	}
	for _, d := range docs {
		fmt.Fprintf(w, "%s  %4d pages  %s  %s\n", colorize(colorCyan, d.ID), d.PageCount, indexLabel(d.IndexStatus), d.Title)
	}
}

// indexLabel pads before colouring so columns stay aligned.
func indexLabel(status string) string {
	padded := fmt.Sprintf("%-8s", status)
	switch status {
	case storage.IndexReady:
		return colorize(colorGreen, padded)
	case storage.IndexFailed:
		return colorize(colorRed, padded)
	default:
		return padded
	}
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <document-id> <question...>",
	Short: "Queue a question about a document",
	Long: `Queue a question about a document.

Examples:
  docqa ask 0192f3c1-... "What does chapter 2 cover?"
  docqa ask 0192f3c1-... --page 12 "Explain this table"
  docqa ask 0192f3c1-... --selection "eventual consistency" --selection-page 4 "What is meant here?"
  docqa ask 0192f3c1-... --wait "Summarize the introduction"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		selection, _ := cmd.Flags().GetString("selection")
		selectionPage, _ := cmd.Flags().GetInt("selection-page")
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		documentID := args[0]
		q := buildQuestion(strings.Join(args[1:], " "), page, selection, selectionPage)

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		queued, err := askQuestion(cmd.Context(), client, documentID, q)
		if err != nil {
			return err
		}
		printSuccess("Queued question %s (position %d)", queued.ID, queued.Position)

		if !wait {
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		printStep("Waiting for the answer...")
		msg, err := waitForAnswer(ctx, client, documentID, q.Query, time.Second)
		if err != nil {
			return err
		}
		writeMessage(os.Stdout, msg)
		return nil
	},
}

func init() {
	askCmd.Flags().Int("page", 0, "page the question refers to (1-based)")
	askCmd.Flags().String("selection", "", "selected text the question is about")
	askCmd.Flags().Int("selection-page", 0, "page of the selected text")
	askCmd.Flags().Bool("wait", false, "wait for the answer and print it")
	askCmd.Flags().Duration("timeout", 3*time.Minute, "how long --wait waits")
}

func buildQuestion(query string, page int, selection string, selectionPage int) api.Question {
	q := api.Question{Query: query, CurrentPage: page}
	if strings.TrimSpace(selection) != "" {
		if selectionPage == 0 {
			selectionPage = page
		}
		q.SelectedText = &queue.SelectedText{Text: selection, PageNumber: selectionPage}
	}
	return q
}

func askQuestion(ctx context.Context, client *apiClient, documentID string, q api.Question) (api.Queued, error) {
	resp, err := client.post(ctx, "/documents/"+url.PathEscape(documentID)+"/questions", q)
	if err != nil {
		return api.Queued{}, err
	}
	var queued api.Queued
	if err := decodeJSON(resp, &queued); err != nil {
		return api.Queued{}, err
	}
	return queued, nil
}

// waitForAnswer polls the transcript until an assistant message follows the
// most recent user message carrying query.
func waitForAnswer(ctx context.Context, client *apiClient, documentID, query string, interval time.Duration) (storage.Message, error) {
	path := "/documents/" + url.PathEscape(documentID) + "/messages?limit=200"
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var msgs []storage.Message
		if err := client.getJSON(ctx, path, &msgs); err != nil {
			if ctx.Err() != nil {
				return storage.Message{}, waitError(ctx)
			}
			return storage.Message{}, err
		}
		if msg, ok := answerAfter(msgs, query); ok {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return storage.Message{}, waitError(ctx)
		case <-ticker.C:
		}
	}
}

func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.New("no answer yet; it stays queued, check later with 'docqa transcript'")
	}
	return ctx.Err()
}

func answerAfter(msgs []storage.Message, query string) (storage.Message, bool) {
	asked := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == queue.RoleUser && msgs[i].Content == query {
			asked = i
			break
		}
	}
	if asked < 0 {
		return storage.Message{}, false
	}
	for _, m := range msgs[asked+1:] {
		if m.Role == queue.RoleAssistant {
			return m, true
		}
	}
	return storage.Message{}, false
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue <document-id>",
	Short: "Show or clear a document's pending questions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clearAll, _ := cmd.Flags().GetBool("clear")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if clearAll {
			removed, err := clearQueue(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			printSuccess("Removed %d pending question(s)", removed)
			return nil
		}

		base := "/documents/" + url.PathEscape(args[0])
		var st api.DocumentStatus
		if err := client.getJSON(cmd.Context(), base+"/status", &st); err != nil {
			return err
		}
		var items []queue.Item
		if err := client.getJSON(cmd.Context(), base+"/queue", &items); err != nil {
			return err
		}
		writeQueue(os.Stdout, st, items)
		return nil
	},
}

func init() {
	queueCmd.Flags().Bool("clear", false, "drop all pending questions")
}

func clearQueue(ctx context.Context, client *apiClient, documentID string) (int, error) {
	resp, err := client.delete(ctx, "/documents/"+url.PathEscape(documentID)+"/queue")
	if err != nil {
		return 0, err
	}
	var result struct {
		Removed int `json:"removed"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result.Removed, nil
}

func writeQueue(w io.Writer, st api.DocumentStatus, items []queue.Item) {
	state := string(st.Status)
	if st.InFlight {
		state += ", answering"
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Status:"), state)
	if len(items) == 0 {
		fmt.Fprintln(w, "No pending questions.")
		return
	}
	for i, it := range items {
		line := fmt.Sprintf("%2d. %s", i+1, shorten(it.Query, 80))
		if it.Attempts > 0 {
			line += colorize(colorYellow, fmt.Sprintf(" (attempts: %d)", it.Attempts))
		}
		fmt.Fprintln(w, line)
	}
}

// --- transcript ---

var transcriptCmd = &cobra.Command{
	Use:   "transcript <document-id>",
	Short: "Show a document's questions and answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		notices, _ := cmd.Flags().GetBool("notifications")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		base := "/documents/" + url.PathEscape(args[0])
		if notices {
			var notes []storage.Notification
			if err := client.getJSON(cmd.Context(), fmt.Sprintf("%s/notifications?limit=%d", base, limit), &notes); err != nil {
				return err
			}
			writeNotifications(os.Stdout, notes)
			return nil
		}

		var msgs []storage.Message
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("%s/messages?limit=%d", base, limit), &msgs); err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			writeMessage(os.Stdout, m)
		}
		return nil
	},
}

func init() {
	transcriptCmd.Flags().Int("limit", 50, "maximum number of entries")
	transcriptCmd.Flags().Bool("notifications", false, "show failure notices instead of messages")
}

func writeMessage(w io.Writer, m storage.Message) {
	label := colorize(colorCyan, "You")
	if m.Role == queue.RoleAssistant {
		label = colorize(colorGreen, "docqa")
	}
	fmt.Fprintf(w, "\n%s  %s\n%s\n", label, m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Content)
	for _, c := range m.Citations {
		fmt.Fprintf(w, "  [p.%d] %s\n", c.PageNumber, shorten(c.Text, 100))
	}
}

func writeNotifications(w io.Writer, notes []storage.Notification) {
	if len(notes) == 0 {
		fmt.Fprintln(w, "No notifications.")
		return
	}
	for _, n := range notes {
		fmt.Fprintf(w, "%s  %s\n", n.CreatedAt.Local().Format("2006-01-02 15:04:05"), colorize(colorYellow, n.Text))
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
