// Package imessage reads conversation history from the macOS Messages
// database (chat.db) and sends outgoing messages through Messages.app.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AJCubed/tether/internal/types"
)

// Apple Core Data reference date offset (seconds between 2001-01-01 and
// the Unix epoch). chat.db stores message dates relative to it.
const appleEpochOffset = 978307200

const defaultLimit = 100

// Filter selects which messages GetMessages returns. ChatID and Sender are
// mutually exclusive conversation selectors; leaving both empty selects
// across all conversations.
type Filter struct {
	ChatID             string
	Sender             string
	Since              *time.Time
	Limit              int
	ExcludeOwnMessages bool
	UnreadOnly         bool
}

// Validate normalizes the filter, rejecting contradictory selectors.
func (f *Filter) Validate() error {
	if f.ChatID != "" && f.Sender != "" {
		return fmt.Errorf("filter: chatId and sender are mutually exclusive")
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	return nil
}

// Source is the message source consumed by the server and analyzers.
type Source interface {
	GetMessages(ctx context.Context, filter Filter) ([]types.Message, error)
	Send(ctx context.Context, recipient, text string) error
	GetUnreadMessages(ctx context.Context) (map[string][]types.Message, error)
}

// ChatDB is a Source backed by a read-only view of chat.db.
type ChatDB struct {
	path string
}

// DefaultChatDBPath returns the standard Messages database location.
func DefaultChatDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// NewChatDB verifies the database exists and returns a source over it.
func NewChatDB(path string) (*ChatDB, error) {
	if path == "" {
		path = DefaultChatDBPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("chat.db not found at %s (Full Disk Access required)", path)
	}
	return &ChatDB{path: path}, nil
}

// Path returns the database path, for watchers.
func (c *ChatDB) Path() string { return c.path }

func (c *ChatDB) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+c.path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open chat.db: %w", err)
	}
	return db, nil
}

// GetMessages returns messages matching the filter, newest first.
func (c *ChatDB) GetMessages(ctx context.Context, filter Filter) ([]types.Message, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	db, err := c.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var sb strings.Builder
	sb.WriteString(`
		SELECT m.guid, m.text, m.date, m.is_from_me, m.is_read,
		       h.id, c.chat_identifier
		FROM message m
		LEFT JOIN handle h ON h.ROWID = m.handle_id
		LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		LEFT JOIN chat c ON c.ROWID = cmj.chat_id
		WHERE 1=1
	`)
	var args []any
	if filter.ChatID != "" {
		sb.WriteString(" AND c.chat_identifier = ?")
		args = append(args, filter.ChatID)
	}
	if filter.Sender != "" {
		sb.WriteString(" AND h.id = ?")
		args = append(args, filter.Sender)
	}
	if filter.Since != nil {
		sb.WriteString(" AND m.date >= ?")
		args = append(args, toAppleNanos(*filter.Since))
	}
	if filter.ExcludeOwnMessages {
		sb.WriteString(" AND m.is_from_me = 0")
	}
	if filter.UnreadOnly {
		sb.WriteString(" AND m.is_read = 0 AND m.is_from_me = 0")
	}
	sb.WriteString(" ORDER BY m.date DESC LIMIT ?")
	args = append(args, filter.Limit)

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var msg types.Message
		var text, sender, chatID sql.NullString
		var date int64
		var fromMe, isRead int
		if err := rows.Scan(&msg.ID, &text, &date, &fromMe, &isRead, &sender, &chatID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if text.Valid {
			t := text.String
			msg.Text = &t
		}
		msg.Sender = sender.String
		msg.ChatID = chatID.String
		msg.Date = fromAppleNanos(date)
		msg.IsFromMe = fromMe == 1
		msg.IsRead = isRead == 1
		out = append(out, msg)
	}
	return out, rows.Err()
}

// GetUnreadMessages returns unread incoming messages grouped by sender.
func (c *ChatDB) GetUnreadMessages(ctx context.Context) (map[string][]types.Message, error) {
	msgs, err := c.GetMessages(ctx, Filter{UnreadOnly: true, Limit: 500})
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]types.Message)
	for _, m := range msgs {
		grouped[m.Sender] = append(grouped[m.Sender], m)
	}
	return grouped, nil
}

// Send delivers a message through Messages.app via AppleScript.
func (c *ChatDB) Send(ctx context.Context, recipient, text string) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("send: recipient is required")
	}
	script := fmt.Sprintf(`tell application "Messages"
	set targetService to 1st account whose service type = iMessage
	set targetBuddy to participant %q of targetService
	send %q to targetBuddy
end tell`, recipient, text)

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript send failed: %w (output: %s)", err, out)
	}
	return nil
}

// toAppleNanos converts a time to chat.db's nanoseconds-since-2001 epoch.
func toAppleNanos(t time.Time) int64 {
	return (t.Unix() - appleEpochOffset) * int64(time.Second)
}

// fromAppleNanos converts a chat.db date to a time. Databases written by
// pre-High-Sierra systems store seconds rather than nanoseconds; anything
// below the nanosecond range is treated as seconds.
func fromAppleNanos(v int64) time.Time {
	const nanoThreshold = int64(1) << 40
	if v > nanoThreshold {
		return time.Unix(v/int64(time.Second)+appleEpochOffset, v%int64(time.Second))
	}
	return time.Unix(v+appleEpochOffset, 0)
}
