package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dortort/openclaw-mailguard/internal/firewall"
	"github.com/dortort/openclaw-mailguard/internal/guard"
	"github.com/dortort/openclaw-mailguard/internal/maildrop"
	"github.com/dortort/openclaw-mailguard/internal/sanitize"
)

var (
	scanSource  string
	scanSession string
	checkTools  []string
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(checkCmd)
	for _, c := range []*cobra.Command{scanCmd, checkCmd} {
		c.Flags().StringVar(&scanSource, "source", maildrop.Source, "Provenance source of the message")
		c.Flags().StringVar(&scanSession, "session", "", "Session ID (generated when empty)")
	}
	checkCmd.Flags().StringSliceVarP(&checkTools, "tool", "t", nil, "Tool name to check (repeatable)")
	_ = checkCmd.MarkFlagRequired("tool")
}

var scanCmd = &cobra.Command{
	Use:   "scan [email-file]",
	Short: "Sanitize and score an RFC 5322 message",
	Long:  "Reads a message from the file or stdin and prints the verdict as JSON.\nExits 2 when the message is quarantined.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScan,
}

var checkCmd = &cobra.Command{
	Use:   "check [email-file] --tool <name>...",
	Short: "Scan a message, then check which tools an agent may use for it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

// scanOutput trims guard.Result for the terminal.
type scanOutput struct {
	SessionID       string          `json:"session_id"`
	MessageID       string          `json:"message_id,omitempty"`
	Score           int             `json:"score"`
	HeuristicScore  int             `json:"heuristic_score"`
	MLScore         *int            `json:"ml_score,omitempty"`
	Recommendation  string          `json:"recommendation"`
	Quarantined     bool            `json:"quarantined"`
	Gated           bool            `json:"gated"`
	Reasons         []string        `json:"reasons"`
	Signals         []string        `json:"signals"`
	Language        string          `json:"language,omitempty"`
	SuspiciousLinks []sanitize.Link `json:"suspicious_links,omitempty"`
	Body            string          `json:"body,omitempty"`
}

type checkOutput struct {
	Scan      scanOutput          `json:"scan"`
	Decisions []firewall.Decision `json:"decisions"`
}

func readMessage(args []string) (guard.Message, error) {
	var (
		raw []byte
		err error
	)
	if len(args) == 1 && args[0] != "-" {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(io.LimitReader(os.Stdin, sanitize.MaxRawBytes+1))
	}
	if err != nil {
		return guard.Message{}, fmt.Errorf("read message: %w", err)
	}
	if len(raw) == 0 {
		return guard.Message{}, fmt.Errorf("empty input")
	}
	e, err := maildrop.ParseEmail(raw)
	if err != nil {
		return guard.Message{}, err
	}
	msg := maildrop.ToMessage(e, scanSession)
	msg.Source = scanSource
	return msg, nil
}

func scan(ctx context.Context, g *guard.Guard, args []string) (scanOutput, error) {
	msg, err := readMessage(args)
	if err != nil {
		return scanOutput{}, err
	}
	res := g.ProcessMessage(ctx, msg)
	out := scanOutput{
		SessionID:       res.SessionID,
		MessageID:       res.MessageID,
		Score:           res.Risk.Score,
		HeuristicScore:  res.Risk.HeuristicScore,
		MLScore:         res.Risk.MLScore,
		Recommendation:  string(res.Risk.Recommendation),
		Quarantined:     res.Quarantined,
		Gated:           res.Gated,
		Reasons:         res.Risk.Reasons,
		Signals:         res.Risk.SignalTypeNames(),
		Language:        res.Sanitized.Language.Language,
		SuspiciousLinks: res.Sanitized.SuspiciousLinks(),
	}
	if !res.Quarantined {
		out.Body = res.Sanitized.BodyText
	}
	return out, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	g, _, closeAudit, err := setup(newLogger())
	if err != nil {
		return err
	}
	defer func() { _ = closeAudit() }()

	out, err := scan(cmd.Context(), g, args)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if out.Quarantined {
		_ = closeAudit()
		os.Exit(2)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	g, _, closeAudit, err := setup(newLogger())
	if err != nil {
		return err
	}
	defer func() { _ = closeAudit() }()

	out, err := scan(cmd.Context(), g, args)
	if err != nil {
		return err
	}
	res := checkOutput{Scan: out}
	for _, tool := range checkTools {
		res.Decisions = append(res.Decisions, g.CheckTool(out.SessionID, tool))
	}
	res.Scan.Body = ""
	return printJSON(cmd.OutOrStdout(), res)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
