// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/bazaar/mailservice"
	"bazaar.io/bazaar/internal/post"
)

func (server *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var create console.CreateUser
	if err := decodeJSON(r, &create); err != nil {
		server.serveError(w, err)
		return
	}

	user, activationToken, err := server.console.CreateUser(ctx, create)
	if err != nil {
		server.serveError(w, err)
		return
	}

	server.sendEmail(user.Email, &mailservice.AccountActivationEmail{
		Username:      user.Username,
		ActivationURL: server.config.ExternalAddress + "/api/user/verify?token=" + activationToken,
	})

	serveJSON(w, http.StatusOK, "user created", map[string]interface{}{
		"user_id": user.ID,
	})
}

func (server *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		server.serveError(w, console.ErrUnauthorized.New("basic auth required"))
		return
	}

	token, err := server.console.Token(r.Context(), email, password)
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "logged in", map[string]interface{}{
		"access_token": token,
	})
}

func (server *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeJSON(r, &body); err != nil {
			server.serveError(w, err)
			return
		}
		token = body.Token
	}

	if err := server.console.ActivateAccount(r.Context(), token); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "account verified", nil)
}

func (server *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}

	code, err := server.console.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		// do not leak whether the account exists
		server.log.Debug("password reset request failed", zap.Error(err))
		serveJSON(w, http.StatusOK, "reset code sent if the account exists", nil)
		return
	}

	server.sendEmail(body.Email, &mailservice.PasswordResetEmail{Code: code})
	serveJSON(w, http.StatusOK, "reset code sent if the account exists", nil)
}

func (server *Server) handleNewPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Code        string `json:"code"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}

	if err := server.console.ResetPassword(r.Context(), body.Email, body.Code, body.NewPassword); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "password updated", nil)
}

func (server *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	auth, err := console.GetAuth(r.Context())
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"user_id":   auth.User.ID,
		"username":  auth.User.Username,
		"email":     auth.User.Email,
		"full_name": auth.User.FullName,
		"admin":     auth.User.Admin,
	})
}

// sendEmail delivers asynchronously; the request does not wait for SMTP.
func (server *Server) sendEmail(to string, msg mailservice.Message) {
	if server.mail == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.mail.Send(ctx, []post.Address{{Address: to}}, msg); err != nil {
			server.log.Warn("email delivery failed", zap.String("to", to), zap.Error(err))
		}
	}()
}
