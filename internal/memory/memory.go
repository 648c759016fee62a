// Package memory decides what a conversation turn is worth remembering and
// assembles stored memories into prompt context for the next turn.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/clawgate/internal/persistence"
)

// Retrieval and retention tuning.
const (
	MaxMemoriesPerChat = 200
	MaxLogPerChat      = 500
	RelevantLimit      = 3
	RecentLimit        = 5
	TouchDelta         = 0.1
	MinEpisodicLen     = 20
	minFactLineLen     = 10
	maxFactLineLen     = 500
)

// factPatterns pull durable facts out of agent replies. Scanned per line in
// order; the first match wins and group 1 is the fact.
var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:remember|note|important|fyi)[:,]\s*(.+)$`),
	regexp.MustCompile(`(?i)((?:your|the)\s+(?:name|email|phone|address|birthday|preference)s?\s+(?:is|are)\s+.+)$`),
	regexp.MustCompile(`(?i)\b(I\s+(?:always|prefer|like|use|want|need)\s+.+)$`),
	regexp.MustCompile(`(?i)^(?:don't forget|keep in mind|worth noting)[:,]?\s*(.+)$`),
}

// Core ties memory retrieval and retention to the store.
type Core struct {
	store  *persistence.Store
	logger *slog.Logger
}

func New(store *persistence.Store, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{store: store, logger: logger}
}

// BuildContext returns a memory block to prepend to the user's message:
// memories matching the message plus the chat's most recently touched ones,
// deduplicated. Search hits are touched so retrieval feeds back into
// salience; recent rows ride along untouched. Returns "" when the chat has
// nothing stored.
func (c *Core) BuildContext(ctx context.Context, chatID int64, message string) string {
	relevant, err := c.store.SearchMemories(ctx, chatID, message, RelevantLimit)
	if err != nil {
		c.logger.Warn("memory search failed", "chat_id", chatID, "error", err)
	}
	recent, err := c.store.RecentMemories(ctx, chatID, RecentLimit)
	if err != nil {
		c.logger.Warn("recent memories failed", "chat_id", chatID, "error", err)
	}

	seen := make(map[int64]bool, len(relevant))
	var b strings.Builder
	writeSection := func(title string, rows []persistence.Memory, touch bool) {
		wroteTitle := false
		for _, m := range rows {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			if !wroteTitle {
				fmt.Fprintf(&b, "## %s\n", title)
				wroteTitle = true
			}
			fmt.Fprintf(&b, "- [%s] %s\n", m.Sector, m.Content)
			if !touch {
				continue
			}
			if err := c.store.TouchMemory(ctx, m.ID, TouchDelta); err != nil {
				c.logger.Warn("memory touch failed", "memory_id", m.ID, "error", err)
			}
		}
		if wroteTitle {
			b.WriteString("\n")
		}
	}
	writeSection("Relevant Memories", relevant, true)
	writeSection("Recent Memories", recent, false)

	if b.Len() == 0 {
		return ""
	}
	return "<memory-context>\n" + strings.TrimRight(b.String(), "\n") + "\n</memory-context>"
}

// Save records the completed turn: both sides go to the conversation log, the
// user message becomes an episodic memory when it carries signal, and facts
// stated in the reply become semantic memories. Commands and trivially short
// messages are not memories. After storing, the chat is trimmed back to its
// cap.
func (c *Core) Save(ctx context.Context, chatID int64, sessionID, userMsg, assistantMsg string) {
	if err := c.store.AppendConversation(ctx, chatID, sessionID, persistence.RoleUser, userMsg); err != nil {
		c.logger.Warn("conversation append failed", "chat_id", chatID, "error", err)
	}
	if err := c.store.AppendConversation(ctx, chatID, sessionID, persistence.RoleAssistant, assistantMsg); err != nil {
		c.logger.Warn("conversation append failed", "chat_id", chatID, "error", err)
	}

	stored := false
	if trimmed := strings.TrimSpace(userMsg); IsEpisodic(trimmed) {
		if _, err := c.store.InsertMemory(ctx, chatID, sessionID, trimmed, persistence.SectorEpisodic); err != nil {
			c.logger.Warn("memory insert failed", "chat_id", chatID, "error", err)
		} else {
			stored = true
		}
	}
	for _, fact := range ExtractFacts(assistantMsg) {
		if _, err := c.store.InsertMemory(ctx, chatID, sessionID, fact, persistence.SectorSemantic); err != nil {
			c.logger.Warn("fact insert failed", "chat_id", chatID, "error", err)
			continue
		}
		stored = true
	}

	if stored {
		if _, err := c.store.PruneMemories(ctx, chatID, MaxMemoriesPerChat); err != nil {
			c.logger.Warn("memory prune failed", "chat_id", chatID, "error", err)
		}
	}
}

// IsEpisodic reports whether a user message is worth keeping as an episodic
// memory: longer than 20 chars and not a command.
func IsEpisodic(userMsg string) bool {
	trimmed := strings.TrimSpace(userMsg)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") {
		return false
	}
	return len([]rune(trimmed)) > MinEpisodicLen
}

// ExtractFacts scans a reply line by line for stated facts. Lines shorter
// than 10 or longer than 500 chars are skipped; the first matching pattern
// per line contributes its capture, trimmed.
func ExtractFacts(reply string) []string {
	var facts []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		n := len([]rune(line))
		if n < minFactLineLen || n > maxFactLineLen {
			continue
		}
		for _, p := range factPatterns {
			m := p.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if fact := strings.TrimSpace(m[1]); fact != "" {
				facts = append(facts, fact)
			}
			break
		}
	}
	return facts
}

// RunDecay is the hourly retention sweep: salience decay plus deletion across
// all chats, then each chat's conversation log is trimmed to its cap.
func (c *Core) RunDecay(ctx context.Context) (decayed, deleted int64) {
	var err error
	decayed, deleted, err = c.store.DecayMemories(ctx)
	if err != nil {
		c.logger.Error("memory decay failed", "error", err)
		return 0, 0
	}
	if decayed > 0 || deleted > 0 {
		c.logger.Info("memory decay sweep", "decayed", decayed, "deleted", deleted)
	}

	chats, err := c.store.ConversationChatIDs(ctx)
	if err != nil {
		c.logger.Warn("conversation sweep failed", "error", err)
		return decayed, deleted
	}
	for _, chatID := range chats {
		if _, err := c.store.PruneConversation(ctx, chatID, MaxLogPerChat); err != nil {
			c.logger.Warn("conversation prune failed", "chat_id", chatID, "error", err)
		}
	}
	return decayed, deleted
}
