package firewall

import "strings"

// Category is the static classification of a tool name.
type Category string

const (
	CategoryHardDenied       Category = "hard_denied"
	CategorySafe             Category = "safe"
	CategoryApprovalRequired Category = "approval_required"
	CategoryUnknown          Category = "unknown"
)

// hardDenied tools are never allowed for any session, with or without
// approval.
var hardDenied = toolSet(
	// shell and code execution
	"exec", "shell", "bash", "sh", "run_command", "execute_command",
	"execute_code", "run_code", "eval", "python", "node", "terminal",
	// browser automation
	"browser", "browser_navigate", "browser_click", "browser_type",
	"puppeteer", "playwright", "selenium",
	// filesystem mutation
	"write_file", "create_file", "edit_file", "delete_file", "move_file",
	"rename_file", "fs_write", "fs_delete", "chmod", "mkdir",
	// unrestricted network fetch
	"web_fetch", "fetch_url", "http_request", "curl", "wget", "download",
	// destructive email and account operations
	"delete_all_emails", "empty_trash", "purge_mailbox", "set_forwarding",
	"create_filter", "delete_account", "change_password", "update_settings",
	// credentials and tokens
	"get_credentials", "read_credentials", "manage_tokens", "create_token",
	"oauth_token", "api_key", "export_keys", "read_secrets",
)

// safe tools are read-only or produce drafts for a human.
var safe = toolSet(
	"read_email", "get_email", "get_thread", "list_emails", "search_emails",
	"summarize", "summarize_email", "analyze_text", "classify_email",
	"draft_email", "create_draft", "draft_reply",
	"propose_labels", "suggest_labels",
	"calendar_read", "list_events", "get_event", "check_availability",
	"contacts_read", "search_contacts", "get_contact",
)

// approvalRequired tools have side effects a human must confirm.
var approvalRequired = toolSet(
	"send_email", "reply_email", "forward_email", "delete_email",
	"trash_email", "archive_email", "move_email", "mark_spam",
	"modify_labels", "add_label", "remove_label", "create_label",
	"move_to_folder", "create_folder",
	"create_event", "update_event", "delete_event", "calendar_write",
	"create_contact", "update_contact", "delete_contact",
)

// alternatives suggests safe tools to use in place of a hard-denied one.
var alternatives = map[string][]string{
	"exec":           {"analyze_text"},
	"shell":          {"analyze_text"},
	"bash":           {"analyze_text"},
	"run_command":    {"analyze_text"},
	"execute_code":   {"analyze_text"},
	"browser":        {"read_email", "summarize"},
	"web_fetch":      {"summarize"},
	"fetch_url":      {"summarize"},
	"http_request":   {"summarize"},
	"write_file":     {"create_draft"},
	"create_file":    {"create_draft"},
	"edit_file":      {"create_draft"},
	"set_forwarding": {"draft_email"},
	"create_filter":  {"propose_labels"},
	"empty_trash":    {"propose_labels"},
}

func toolSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// NormalizeTool lowercases name and drops every character that is not an
// ASCII letter, digit or underscore.
func NormalizeTool(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Classify returns the static category of a tool name.
func Classify(name string) Category {
	n := NormalizeTool(name)
	switch {
	case hardDenied[n]:
		return CategoryHardDenied
	case safe[n]:
		return CategorySafe
	case approvalRequired[n]:
		return CategoryApprovalRequired
	default:
		return CategoryUnknown
	}
}

// Alternatives returns the suggested replacements for a hard-denied tool.
func Alternatives(name string) []string {
	alt := alternatives[NormalizeTool(name)]
	if len(alt) == 0 {
		return nil
	}
	return append([]string(nil), alt...)
}

func normalizeAll(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		if n = NormalizeTool(n); n != "" {
			m[n] = true
		}
	}
	return m
}
