package handler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/templui/authmail/internal/clock"
	"github.com/templui/authmail/internal/model"
	"github.com/templui/authmail/internal/service"
	"github.com/templui/authmail/internal/service/delivery"
	"github.com/templui/authmail/internal/validation"
)

type authCodeHandler struct {
	authCodeService *service.AuthCodeService
	emailService    *service.EmailService
	clock           clock.Clock
}

func NewAuthCodeHandler(authCodeService *service.AuthCodeService, emailService *service.EmailService, clk clock.Clock) *authCodeHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &authCodeHandler{
		authCodeService: authCodeService,
		emailService:    emailService,
		clock:           clk,
	}
}

type sendCodeRequest struct {
	Email  string `json:"email"`
	UserID string `json:"user_id"`
}

type sendFunc func(ctx context.Context, email, userID string) (*delivery.Receipt, error)

func (h *authCodeHandler) SendConfirmation(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, h.emailService.SendConfirmationEmail, "Confirmation email sent")
}

func (h *authCodeHandler) SendPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, h.emailService.SendPasswordResetEmail, "Password reset email sent")
}

func (h *authCodeHandler) send(w http.ResponseWriter, r *http.Request, send sendFunc, okMessage string) {
	var req sendCodeRequest
	err := decodeJSON(w, r, &req)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := send(r.Context(), req.Email, req.UserID)
	if err != nil {
		h.writeSendError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Success:   true,
		Message:   okMessage,
		MessageID: receipt.MessageID,
	})
}

func (h *authCodeHandler) writeSendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrTooManyRequests):
		var throttled *service.ThrottledError
		if errors.As(err, &throttled) && throttled.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(throttled.RetryAfter.Seconds()))))
		}
		writeMessage(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
	case errors.Is(err, delivery.ErrDeliveryFailed):
		// Provider details stay in the logs.
		writeMessage(w, http.StatusBadGateway, "failed to send email, please try again later")
	default:
		slog.Error("send code failed", "error", err, "path", r.URL.Path)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

type validateCodeRequest struct {
	Code     string `json:"code"`
	CodeType string `json:"code_type"`
}

type validateCodeResponse struct {
	Valid    bool           `json:"valid"`
	UserID   string         `json:"user_id,omitempty"`
	CodeType model.CodeType `json:"code_type,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// ValidateCode checks and consumes a code. A valid answer is only ever given once per code.
func (h *authCodeHandler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	err := decodeJSON(w, r, &req)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	code := strings.TrimSpace(req.Code)
	err = validation.ValidateCode(code)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	codeType, err := model.ParseCodeType(req.CodeType)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := h.authCodeService.ValidateAndConsumeAuthCode(r.Context(), code, codeType)
	if err != nil {
		slog.Error("validate code failed", "error", err, "type", codeType)
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !v.Valid() {
		writeJSON(w, http.StatusOK, validateCodeResponse{Valid: false, Reason: string(v.Reason)})
		return
	}

	writeJSON(w, http.StatusOK, validateCodeResponse{
		Valid:    true,
		UserID:   v.Code.UserID,
		CodeType: v.Code.Type,
	})
}

type codeView struct {
	ID        string           `json:"id"`
	Type      model.CodeType   `json:"type"`
	Status    model.CodeStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	UsedAt    *time.Time       `json:"used_at,omitempty"`
	RevokedAt *time.Time       `json:"revoked_at,omitempty"`
}

type userCodesResponse struct {
	UserID string     `json:"user_id"`
	Codes  []codeView `json:"codes"`
}

// UserCodes lists a user's codes for operators. Hashes are never exposed.
func (h *authCodeHandler) UserCodes(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	err := validation.ValidateUserID(userID)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	var codeType model.CodeType
	if raw := r.URL.Query().Get("type"); raw != "" {
		codeType, err = model.ParseCodeType(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	codes, err := h.authCodeService.GetAuthCodesForUser(r.Context(), userID, codeType)
	if err != nil {
		slog.Error("list user codes failed", "error", err, "user_id", userID)
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := h.clock.Now()
	resp := userCodesResponse{UserID: userID, Codes: make([]codeView, 0, len(codes))}
	for _, c := range codes {
		resp.Codes = append(resp.Codes, codeView{
			ID:        c.ID,
			Type:      c.Type,
			Status:    c.Status(now),
			CreatedAt: c.CreatedAt,
			ExpiresAt: c.ExpiresAt,
			UsedAt:    c.UsedAt,
			RevokedAt: c.RevokedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
