// Package config derives the typed runtime configuration from the .env map.
// Missing keys default to the empty string and mean "disabled".
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Recognized .env keys.
const (
	KeyBotToken       = "TELEGRAM_BOT_TOKEN"
	KeyAllowedChatIDs = "ALLOWED_CHAT_IDS"
	KeyOAuthToken     = "CLAUDE_CODE_OAUTH_TOKEN"
	KeyAPIKey         = "ANTHROPIC_API_KEY"
	KeySTTAPIKey      = "OPENAI_API_KEY"
	KeyTTSAPIKey      = "ELEVENLABS_API_KEY"
	KeyTTSVoiceID     = "ELEVENLABS_VOICE_ID"
	KeyWebhookBaseURL = "N8N_BASE_URL"
	KeyWebhookAPIKey  = "N8N_API_KEY"
	KeyImageAPIKey    = "GEMINI_API_KEY"
	KeyImageModel     = "GEMINI_IMAGE_MODEL"
	KeyPromptAppend   = "SYSTEM_PROMPT_APPEND"
	KeyAgentTimeoutMS = "AGENT_TIMEOUT_MS"
)

const defaultAgentTimeout = 5 * time.Minute

var chatIDPattern = regexp.MustCompile(`^-?\d+$`)

// Config is the parsed runtime configuration.
type Config struct {
	BotToken       string
	AllowedChatIDs []int64

	OAuthToken string
	APIKey     string

	STTAPIKey  string
	TTSAPIKey  string
	TTSVoiceID string

	WebhookBaseURL string
	WebhookAPIKey  string

	ImageAPIKey string
	ImageModel  string

	SystemPromptAppend string
	AgentTimeout       time.Duration
}

// FromEnv builds a Config from the env map. It does not validate presence;
// Validate gates startup separately so tests can build partial configs.
func FromEnv(env map[string]string) Config {
	cfg := Config{
		BotToken:           env[KeyBotToken],
		AllowedChatIDs:     parseChatIDs(env[KeyAllowedChatIDs]),
		OAuthToken:         env[KeyOAuthToken],
		APIKey:             env[KeyAPIKey],
		STTAPIKey:          env[KeySTTAPIKey],
		TTSAPIKey:          env[KeyTTSAPIKey],
		TTSVoiceID:         env[KeyTTSVoiceID],
		WebhookBaseURL:     env[KeyWebhookBaseURL],
		WebhookAPIKey:      env[KeyWebhookAPIKey],
		ImageAPIKey:        env[KeyImageAPIKey],
		ImageModel:         env[KeyImageModel],
		SystemPromptAppend: env[KeyPromptAppend],
		AgentTimeout:       defaultAgentTimeout,
	}
	if raw := strings.TrimSpace(env[KeyAgentTimeoutMS]); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.AgentTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

// Validate checks the startup-fatal requirements: a bot token and a non-empty
// chat allow-list. The service refuses to run open.
func (c Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("%s is required", KeyBotToken)
	}
	if len(c.AllowedChatIDs) == 0 {
		return fmt.Errorf("%s is empty: refusing to start without a chat allow-list", KeyAllowedChatIDs)
	}
	return nil
}

// Allowed reports whether chatID is in the allow-list.
func (c Config) Allowed(chatID int64) bool {
	for _, id := range c.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// TTSEnabled reports whether voice replies can be synthesized.
func (c Config) TTSEnabled() bool { return c.TTSAPIKey != "" && c.TTSVoiceID != "" }

// STTEnabled reports whether voice messages can be transcribed.
func (c Config) STTEnabled() bool { return c.STTAPIKey != "" }

func parseChatIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if !chatIDPattern.MatchString(part) {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
