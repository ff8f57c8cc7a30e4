package handler

import (
	"net/http"

	"emby-panel/internal/accounts"
	"emby-panel/internal/api/middleware"
	"emby-panel/internal/apperr"
	"emby-panel/internal/emby"
	"emby-panel/internal/ledger"
	"emby-panel/internal/reconcile"

	"github.com/gin-gonic/gin"
)

// ListAccounts returns the enriched accounts the actor may see. Servers that
// could not be reached are listed under "unavailable".
func ListAccounts(engine *reconcile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := engine.ListEnrichedAccounts(c.Request.Context(), middleware.Actor(c))
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "", gin.H{"users": list.Accounts, "unavailable": list.Unavailable})
	}
}

func AccountSummary(engine *reconcile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := engine.Summary(c.Request.Context(), middleware.Actor(c))
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "", gin.H{"summary": summary})
	}
}

// ListSubscriptions returns the whole ledger keyed by "serverId::accountId".
func ListSubscriptions(l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		subs, err := l.All(c.Request.Context())
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "", gin.H{"subscriptions": subs})
	}
}

func CreateAccount(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			ServerID       string   `json:"server_id"`
			Name           string   `json:"name"`
			Password       string   `json:"password"`
			Template       string   `json:"template"`
			IsAdmin        *bool    `json:"is_admin"`
			Libraries      string   `json:"libraries"`
			Folders        []string `json:"folders"`
			Email          string   `json:"email"`
			ExpirationDate string   `json:"expiration_date"`
		}
		if !bindJSON(c, &input) {
			return
		}
		req := accounts.CreateRequest{
			ServerID:  input.ServerID,
			Name:      input.Name,
			Password:  input.Password,
			Template:  input.Template,
			IsAdmin:   input.IsAdmin,
			Libraries: emby.LibraryMode(input.Libraries),
			Folders:   input.Folders,
			Email:     input.Email,
		}
		if input.ExpirationDate != "" {
			exp, err := parseDate("expiration_date", input.ExpirationDate)
			if err != nil {
				middleware.Abort(c, err)
				return
			}
			req.ExpirationDate = &exp
		}

		result, err := svc.Create(c.Request.Context(), middleware.Actor(c), req)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"success":      true,
			"message":      "account created",
			"user":         result.Account,
			"subscription": result.Subscription,
			"report":       result.Report,
		})
	}
}

func EditAccount(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Name     *string `json:"name"`
			Password *string `json:"password"`
			Email    *string `json:"email"`
		}
		if !bindJSON(c, &input) {
			return
		}
		account, err := svc.Edit(c.Request.Context(), middleware.Actor(c), c.Param("serverId"), c.Param("accountId"),
			accounts.EditRequest{Name: input.Name, Password: input.Password, Email: input.Email})
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "account updated", gin.H{"user": account})
	}
}

func DeleteAccount(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), middleware.Actor(c), c.Param("serverId"), c.Param("accountId")); err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "account deleted", nil)
	}
}

func ToggleAccount(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Enable *bool `json:"enable"`
		}
		if !bindJSON(c, &input) {
			return
		}
		if input.Enable == nil {
			middleware.Abort(c, apperr.Validation("enable", "enable is required"))
			return
		}
		if err := svc.Toggle(c.Request.Context(), middleware.Actor(c), c.Param("serverId"), c.Param("accountId"), *input.Enable); err != nil {
			middleware.Abort(c, err)
			return
		}
		message := "account disabled"
		if *input.Enable {
			message = "account enabled"
		}
		success(c, message, gin.H{"enabled": *input.Enable})
	}
}

func SetExpiration(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			ExpirationDate string `json:"expiration_date"`
		}
		if !bindJSON(c, &input) {
			return
		}
		date, err := parseDate("expiration_date", input.ExpirationDate)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		sub, err := svc.SetExpiration(c.Request.Context(), middleware.Actor(c), c.Param("serverId"), c.Param("accountId"), date)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "expiration updated", gin.H{"subscription": sub})
	}
}

// ExtendSubscription extends by "months", one month when the body is empty.
func ExtendSubscription(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Months int `json:"months"`
		}
		if c.Request.ContentLength != 0 && !bindJSON(c, &input) {
			return
		}
		sub, err := svc.Extend(c.Request.Context(), middleware.Actor(c), c.Param("serverId"), c.Param("accountId"), input.Months)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "subscription extended", gin.H{"subscription": sub})
	}
}
