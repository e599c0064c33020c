package hugface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	settingsRowID = 1

	DefaultModel          = "Qwen/Qwen2.5-Coder-32B-Instruct"
	DefaultMaxTokens      = 700
	DefaultMentionEnabled = true
	DefaultReplyEnabled   = true

	// apiKeyService and apiKeyName identify the relay's key in the
	// shared token store
	apiKeyService = "openai"
	apiKeyName    = "api_key"

	columnSettingsLegacyAPIKey   = "openai_api_key"
	columnSettingsAdminTokenHash = "admin_token_hash"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings is the persisted, runtime-adjustable bot configuration. There
// is only ever one row.
type Settings struct {
	ModelUintID
	ModelUnixTime

	// Model is the model identifier sent with each completion request
	Model string `json:"model" binding:"max=200"`

	// MaxTokens is the completion token limit. 0 means 'not set'
	MaxTokens int `json:"max_tokens" binding:"min=0"`

	// MentionEnabled toggles relaying messages that mention the bot
	MentionEnabled bool `json:"mention_enabled"`

	// ReplyEnabled toggles relaying replies to the bot's own messages
	ReplyEnabled bool `json:"reply_enabled"`

	LogLevel DBLogLevel `json:"log_level"`

	// LegacyAPIKey is a per-module key from before keys were kept in the
	// shared token store. It's migrated on first use.
	LegacyAPIKey *string `gorm:"column:openai_api_key" json:"-" log:"[redacted]"`

	// AdminTokenHash is the argon2id hash of the admin API bearer token
	AdminTokenHash string `json:"-" log:"[redacted]"`
}

func (Settings) TableName() string {
	return "settings"
}

func (s Settings) LogValue() slog.Value {
	return structToSlogValue(s)
}

func DefaultSettings() Settings {
	return Settings{
		ModelUintID:    ModelUintID{ID: settingsRowID},
		Model:          DefaultModel,
		MaxTokens:      DefaultMaxTokens,
		MentionEnabled: DefaultMentionEnabled,
		ReplyEnabled:   DefaultReplyEnabled,
		LogLevel:       DBLogLevelInfo,
	}
}

// SharedAPIToken is a named secret shared between components, keyed
// by service and name (ex: openai/api_key)
type SharedAPIToken struct {
	ModelUintID
	ModelUnixTime
	Service string `gorm:"not null;uniqueIndex:idx_shared_api_token_service_name" json:"service"`
	Name    string `gorm:"not null;uniqueIndex:idx_shared_api_token_service_name" json:"name"`
	Value   string `gorm:"not null" json:"-" log:"[redacted]"`
}

// SettingsStore reads and writes [Settings] and [SharedAPIToken] entries.
//
// Reads always go to the database, so each caller gets a snapshot that
// reflects the latest committed write. Writes are serialized through
// the store, and each runs in its own transaction.
type SettingsStore struct {
	db     DBI
	mu     sync.Mutex
	logger *slog.Logger
}

func NewSettingsStore(db DBI, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{
		db:     db,
		logger: logger.With(loggerNameKey, "settings"),
	}
}

// Settings returns the current settings, creating the default row if it
// doesn't exist yet
func (s *SettingsStore) Settings(ctx context.Context) (Settings, error) {
	var current Settings
	rv := s.db.DB().WithContext(ctx).Limit(1).Find(&current, settingsRowID)
	if rv.Error != nil {
		return current, fmt.Errorf("error loading settings: %w", rv.Error)
	}
	if rv.RowsAffected == 1 {
		return current, nil
	}
	return s.update(ctx, func(*Settings) error { return nil })
}

// Update applies fn to the current settings and saves the result.
// If fn returns an error, or the result fails validation, nothing is
// saved.
func (s *SettingsStore) Update(
	ctx context.Context,
	fn func(current *Settings) error,
) (Settings, error) {
	return s.update(ctx, fn)
}

func (s *SettingsStore) update(
	ctx context.Context,
	fn func(current *Settings) error,
) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated Settings
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			current, err := loadOrCreateSettings(tx)
			if err != nil {
				return err
			}
			before := current
			if err = fn(&current); err != nil {
				return err
			}
			if err = structValidator.Struct(current); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
			}
			if current != before {
				if err = tx.Save(&current).Error; err != nil {
					return fmt.Errorf("error saving settings: %w", err)
				}
			}
			updated = current
			return nil
		},
	)
	return updated, err
}

func loadOrCreateSettings(tx *gorm.DB) (Settings, error) {
	var current Settings
	rv := tx.Limit(1).Find(&current, settingsRowID)
	if rv.Error != nil {
		return current, fmt.Errorf("error loading settings: %w", rv.Error)
	}
	if rv.RowsAffected == 1 {
		return current, nil
	}
	current = DefaultSettings()
	if err := tx.Create(&current).Error; err != nil {
		return current, fmt.Errorf("error creating settings: %w", err)
	}
	return current, nil
}

func (s *SettingsStore) SetModel(ctx context.Context, model string) (Settings, error) {
	return s.update(
		ctx, func(current *Settings) error {
			current.Model = model
			return nil
		},
	)
}

func (s *SettingsStore) SetMaxTokens(ctx context.Context, maxTokens int) (Settings, error) {
	if maxTokens <= 0 {
		return Settings{}, fmt.Errorf("%w: max_tokens must be positive", ErrInvalidSettings)
	}
	return s.update(
		ctx, func(current *Settings) error {
			current.MaxTokens = maxTokens
			return nil
		},
	)
}

// ToggleMention flips [Settings.MentionEnabled] and returns the new value
func (s *SettingsStore) ToggleMention(ctx context.Context) (bool, error) {
	updated, err := s.update(
		ctx, func(current *Settings) error {
			current.MentionEnabled = !current.MentionEnabled
			return nil
		},
	)
	return updated.MentionEnabled, err
}

// ToggleReply flips [Settings.ReplyEnabled] and returns the new value
func (s *SettingsStore) ToggleReply(ctx context.Context) (bool, error) {
	updated, err := s.update(
		ctx, func(current *Settings) error {
			current.ReplyEnabled = !current.ReplyEnabled
			return nil
		},
	)
	return updated.ReplyEnabled, err
}

func (s *SettingsStore) SetAdminToken(ctx context.Context, token string) error {
	hashed, err := HashPassword(token)
	if err != nil {
		return fmt.Errorf("error hashing token: %w", err)
	}
	_, err = s.update(
		ctx, func(current *Settings) error {
			current.AdminTokenHash = hashed
			return nil
		},
	)
	return err
}

// SharedAPIToken returns the stored value for the given service/name. The
// boolean is false if no non-empty value exists.
func (s *SettingsStore) SharedAPIToken(
	ctx context.Context,
	service string,
	name string,
) (string, bool, error) {
	var token SharedAPIToken
	rv := s.db.DB().WithContext(ctx).
		Where("service = ? AND name = ?", service, name).
		Limit(1).
		Find(&token)
	if rv.Error != nil {
		return "", false, fmt.Errorf("error loading shared api token: %w", rv.Error)
	}
	return token.Value, rv.RowsAffected == 1 && token.Value != "", nil
}

// SetSharedAPIToken creates or replaces the value for the given service/name
func (s *SettingsStore) SetSharedAPIToken(
	ctx context.Context,
	service string,
	name string,
	value string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return upsertSharedAPIToken(tx, service, name, value)
		},
	)
}

func upsertSharedAPIToken(tx *gorm.DB, service, name, value string) error {
	token := SharedAPIToken{Service: service, Name: name, Value: value}
	err := tx.Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "service"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		},
	).Create(&token).Error
	if err != nil {
		return fmt.Errorf("error saving shared api token %s.%s: %w", service, name, err)
	}
	return nil
}

// APIKey returns the key used for completion requests.
//
// The shared token store is checked first. If it has no key, but the
// legacy settings column does, the legacy key is moved into the shared
// store and the column is cleared. An empty string with a nil error means
// no key is configured anywhere.
func (s *SettingsStore) APIKey(ctx context.Context) (string, error) {
	key, ok, err := s.SharedAPIToken(ctx, apiKeyService, apiKeyName)
	if err != nil {
		return "", err
	}
	if ok {
		return key, nil
	}

	current, err := s.Settings(ctx)
	if err != nil {
		return "", err
	}
	if current.LegacyAPIKey == nil || *current.LegacyAPIKey == "" {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing SharedAPIToken
			rv := tx.Where(
				"service = ? AND name = ?",
				apiKeyService,
				apiKeyName,
			).Limit(1).Find(&existing)
			if rv.Error != nil {
				return rv.Error
			}

			latest, loadErr := loadOrCreateSettings(tx)
			if loadErr != nil {
				return loadErr
			}

			switch {
			case rv.RowsAffected == 1 && existing.Value != "":
				// migrated concurrently
				key = existing.Value
			case latest.LegacyAPIKey != nil && *latest.LegacyAPIKey != "":
				key = *latest.LegacyAPIKey
				if upsertErr := upsertSharedAPIToken(
					tx,
					apiKeyService,
					apiKeyName,
					key,
				); upsertErr != nil {
					return upsertErr
				}
			default:
				key = ""
				return nil
			}

			return tx.Model(&Settings{}).
				Where("id = ?", settingsRowID).
				Update(columnSettingsLegacyAPIKey, nil).Error
		},
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "error migrating legacy api key", tint.Err(err))
		return "", fmt.Errorf("error migrating legacy api key: %w", err)
	}
	if key != "" {
		s.logger.InfoContext(ctx, "migrated legacy api key to shared token store")
	}
	return key, nil
}
