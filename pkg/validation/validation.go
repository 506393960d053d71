package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"unicode/utf8"
)

const (
	maxIDLength     = 128
	maxKeyLength    = 32
	maxPayloadBytes = 16 * 1024
)

var (
	// AgentIDRegex validates agent ids: uuids, hostnames and slugs.
	AgentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)

	// TopicRegex validates relay topic names, which embed agent ids.
	TopicRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)

	validButtons = map[string]bool{"left": true, "right": true, "middle": true}
)

// ValidateAgentID validates agent ID
func ValidateAgentID(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if len(agentID) > maxIDLength {
		return fmt.Errorf("agent ID is too long (max %d characters)", maxIDLength)
	}
	if !AgentIDRegex.MatchString(agentID) {
		return fmt.Errorf("invalid agent ID format")
	}
	return nil
}

// ValidateCommandID validates command ID
func ValidateCommandID(commandID string) error {
	if commandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if len(commandID) > maxIDLength {
		return fmt.Errorf("command ID is too long (max %d characters)", maxIDLength)
	}
	if !AgentIDRegex.MatchString(commandID) {
		return fmt.Errorf("invalid command ID format")
	}
	return nil
}

// ValidateTopic validates a relay topic name
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(topic) > maxIDLength+16 {
		return fmt.Errorf("topic is too long")
	}
	if !TopicRegex.MatchString(topic) {
		return fmt.Errorf("invalid topic format")
	}
	return nil
}

// ValidateScreenshotInterval validates the agent screenshot interval in seconds
func ValidateScreenshotInterval(seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("screenshot interval must be at least 1 second")
	}
	if seconds > 86400 {
		return fmt.Errorf("screenshot interval is too long (max 86400 seconds)")
	}
	return nil
}

// ValidateVideoDuration validates the clip duration in seconds
func ValidateVideoDuration(seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("video duration must be at least 1 second")
	}
	if seconds > 600 {
		return fmt.Errorf("video duration is too long (max 600 seconds)")
	}
	return nil
}

// ValidateButton validates a pointer button name; empty means left
func ValidateButton(button string) error {
	if button == "" || validButtons[button] {
		return nil
	}
	return fmt.Errorf("invalid button %q (must be left, right or middle)", button)
}

// ValidateKey validates a key name sent over the control channel
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if utf8.RuneCountInString(key) > maxKeyLength {
		return fmt.Errorf("key is too long (max %d characters)", maxKeyLength)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("key contains invalid characters")
	}
	return nil
}

// ValidatePayloadSize bounds a raw command payload
func ValidatePayloadSize(payload []byte) error {
	if len(payload) > maxPayloadBytes {
		return fmt.Errorf("payload is too large (max %d bytes)", maxPayloadBytes)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
