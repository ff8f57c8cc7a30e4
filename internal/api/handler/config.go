package handler

import (
	"errors"
	"strconv"
	"strings"

	"emby-panel/internal/api/middleware"
	"emby-panel/internal/apperr"
	"emby-panel/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// TelegramSettings are the bot options stored in the settings table.
type TelegramSettings struct {
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
}

func readSetting(db *gorm.DB, key string) (string, error) {
	var setting model.Setting
	if err := db.Where("key = ?", key).First(&setting).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", apperr.Persistence("failed to read setting", err)
	}
	return setting.Value, nil
}

func writeSetting(db *gorm.DB, key, value string) error {
	if err := db.Model(&model.Setting{}).Where("key = ?", key).
		Assign(model.Setting{Key: key, Value: value}).
		FirstOrCreate(&model.Setting{}).Error; err != nil {
		return apperr.Persistence("failed to update setting", err)
	}
	return nil
}

// LoadTelegramSettings reads the stored bot settings; missing keys are zero.
func LoadTelegramSettings(db *gorm.DB) (TelegramSettings, error) {
	var s TelegramSettings
	token, err := readSetting(db, model.SettingTelegramBotToken)
	if err != nil {
		return s, err
	}
	chat, err := readSetting(db, model.SettingTelegramChatID)
	if err != nil {
		return s, err
	}
	s.BotToken = token
	if chat != "" {
		s.ChatID, _ = strconv.ParseInt(chat, 10, 64)
	}
	return s, nil
}

// GetTelegramConfig returns the bot settings with the token hidden.
func GetTelegramConfig(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := LoadTelegramSettings(db.WithContext(c.Request.Context()))
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		token := ""
		if settings.BotToken != "" {
			token = model.RedactedSecret
		}
		success(c, "", gin.H{
			"bot_token":  token,
			"chat_id":    settings.ChatID,
			"configured": settings.BotToken != "",
		})
	}
}

// UpdateTelegramConfig stores the bot settings. A redacted token keeps the
// stored one. The bot picks the new settings up on restart.
func UpdateTelegramConfig(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input TelegramSettings
		if !bindJSON(c, &input) {
			return
		}
		tx := db.WithContext(c.Request.Context())

		token := strings.TrimSpace(input.BotToken)
		if token != model.RedactedSecret {
			if err := writeSetting(tx, model.SettingTelegramBotToken, token); err != nil {
				middleware.Abort(c, err)
				return
			}
		}
		chat := ""
		if input.ChatID != 0 {
			chat = strconv.FormatInt(input.ChatID, 10)
		}
		if err := writeSetting(tx, model.SettingTelegramChatID, chat); err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "Telegram configuration updated, restart to apply", nil)
	}
}
