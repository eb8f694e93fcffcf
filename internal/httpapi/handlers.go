package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lotusloft/studio/pkg/booking"
	"github.com/lotusloft/studio/pkg/credits"
)

type bookingRequest struct {
	ClassID string `json:"class_id"`
}

type grantRequest struct {
	MemberID string `json:"member_id"`
	Credits  int    `json:"credits"`
	Reason   string `json:"reason"`
}

type createClassRequest struct {
	Title           string `json:"title"`
	Type            string `json:"type"`
	TrainerID       string `json:"trainer_id"`
	ScheduledStart  string `json:"scheduled_start"`
	DurationMinutes int    `json:"duration_minutes"`
	Capacity        int    `json:"capacity"`
}

type classPayload struct {
	ClassID         string `json:"class_id"`
	Title           string `json:"title"`
	Type            string `json:"type"`
	TrainerID       string `json:"trainer_id"`
	ScheduledStart  string `json:"scheduled_start"`
	DurationMinutes int    `json:"duration_minutes"`
	Capacity        int    `json:"capacity"`
	SpotsLeft       int    `json:"spots_left"`
	Enrolled        bool   `json:"enrolled"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Amount         int    `json:"amount"`
	Reason         string `json:"reason"`
	RelatedClassID string `json:"related_class_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type historyPayload struct {
	ClassID    string                `json:"class_id"`
	Action     string                `json:"action"`
	Snapshot   booking.ClassSnapshot `json:"snapshot"`
	RecordedAt string                `json:"recorded_at"`
}

func (server *Server) handleListClasses(ctx *gin.Context) {
	identity, ok := identityFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	classes, err := server.deps.Catalog.ListUpcoming(requestCtx, time.Now().UTC())
	if err != nil {
		server.logger.Error("class list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(booking.ReasonInternal, "class list unavailable"))
		return
	}
	payload := make([]classPayload, 0, len(classes))
	for _, class := range classes {
		payload = append(payload, classPayload{
			ClassID:         class.ClassID,
			Title:           class.Title,
			Type:            class.Type,
			TrainerID:       class.TrainerID,
			ScheduledStart:  class.ScheduledStart.UTC().Format(time.RFC3339),
			DurationMinutes: class.DurationMinutes,
			Capacity:        class.Capacity,
			SpotsLeft:       class.Capacity - len(class.EnrolledMemberIDs),
			Enrolled:        class.IsEnrolled(identity.MemberID),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"classes": payload})
}

func (server *Server) handleCreateBooking(ctx *gin.Context) {
	identity, ok := identityFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request bookingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	memberID, classID, ok := server.bindIdentifiers(ctx, identity.MemberID, request.ClassID)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	result, err := server.deps.Coordinator.Reserve(requestCtx, memberID, classID)
	if err != nil {
		server.respondReservationError(ctx, err)
		return
	}
	invalidateClassListCache(requestCtx, server.deps.Redis, server.logger)
	ctx.JSON(http.StatusCreated, gin.H{
		"status":            "confirmed",
		"class_id":          classID.String(),
		"remaining_credits": int(result.RemainingCredits),
	})
}

func (server *Server) handleCancelBooking(ctx *gin.Context) {
	identity, ok := identityFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	memberID, classID, ok := server.bindIdentifiers(ctx, identity.MemberID, ctx.Param("class_id"))
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	remaining, err := server.deps.Coordinator.Cancel(requestCtx, memberID, classID)
	if err != nil {
		server.respondReservationError(ctx, err)
		return
	}
	invalidateClassListCache(requestCtx, server.deps.Redis, server.logger)
	ctx.JSON(http.StatusOK, gin.H{
		"status":            "cancelled",
		"class_id":          classID.String(),
		"remaining_credits": int(remaining),
	})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	identity, ok := identityFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	memberID, err := credits.NewMemberID(identity.MemberID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_member", err.Error()))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	balance, err := server.deps.Wallet.Balance(requestCtx, memberID)
	if errors.Is(err, credits.ErrMemberNotFound) {
		// A member with no grants yet simply has an empty wallet.
		balance = credits.Balance{MemberID: identity.MemberID}
	} else if err != nil {
		server.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(booking.ReasonInternal, "wallet unavailable"))
		return
	}
	transactions, err := server.deps.Wallet.ListTransactions(requestCtx, memberID, time.Now().UTC().Add(time.Second), server.cfg.WalletHistoryLimit)
	if err != nil {
		server.logger.Error("transaction list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(booking.ReasonInternal, "wallet unavailable"))
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Amount:         transaction.Amount,
			Reason:         transaction.Reason,
			RelatedClassID: transaction.RelatedClassID,
			CreatedAt:      transaction.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance": gin.H{
			"remaining_credits": int(balance.RemainingCredits),
			"total_granted":     int(balance.TotalGranted),
		},
		"transactions": payload,
	})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	identity, ok := identityFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	records, err := server.deps.History.ListByMember(requestCtx, identity.MemberID, server.cfg.HistoryLimit)
	if err != nil {
		server.logger.Error("history list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(booking.ReasonInternal, "history unavailable"))
		return
	}
	payload := make([]historyPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, historyPayload{
			ClassID:    record.ClassID,
			Action:     string(record.Action),
			Snapshot:   record.Snapshot,
			RecordedAt: record.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"history": payload})
}

func (server *Server) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	memberID, err := credits.NewMemberID(request.MemberID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_member", err.Error()))
		return
	}
	if request.Credits < 1 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "credits must be positive"))
		return
	}
	reason := request.Reason
	if reason == "" {
		reason = "membership purchase"
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	err = server.deps.Wallet.Grant(requestCtx, memberID, credits.Credits(request.Credits), reason, "grant:"+uuid.NewString())
	if err != nil {
		server.logger.Error("grant failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(booking.ReasonInternal, "grant failed"))
		return
	}
	balance, err := server.deps.Wallet.Balance(requestCtx, memberID)
	if err != nil {
		server.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(booking.ReasonInternal, "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"member_id":         request.MemberID,
		"remaining_credits": int(balance.RemainingCredits),
		"total_granted":     int(balance.TotalGranted),
	})
}

func (server *Server) handleCreateClass(ctx *gin.Context) {
	var request createClassRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	scheduledStart, err := time.Parse(time.RFC3339, request.ScheduledStart)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_schedule", "scheduled_start must be RFC3339"))
		return
	}
	if request.Capacity < 1 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_capacity", "capacity must be at least 1"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	classID, err := server.deps.Catalog.CreateClass(requestCtx, booking.ClassInstance{
		Title:           request.Title,
		Type:            request.Type,
		TrainerID:       request.TrainerID,
		ScheduledStart:  scheduledStart.UTC(),
		DurationMinutes: request.DurationMinutes,
		Capacity:        request.Capacity,
	})
	if err != nil {
		server.logger.Error("class create failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(booking.ReasonInternal, "class create failed"))
		return
	}
	invalidateClassListCache(requestCtx, server.deps.Redis, server.logger)
	ctx.JSON(http.StatusCreated, gin.H{"class_id": classID})
}

func (server *Server) handleCancelClass(ctx *gin.Context) {
	classID, err := booking.NewClassID(ctx.Param("class_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_class", err.Error()))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	err = server.deps.Catalog.TransitionStatus(requestCtx, classID.String(), booking.ClassStatusCancelled)
	if errors.Is(err, booking.ErrInvalidStatusTransition) {
		ctx.JSON(http.StatusConflict, errorResponse("invalid_status_transition", err.Error()))
		return
	}
	if err != nil {
		server.respondReservationError(ctx, err)
		return
	}
	invalidateClassListCache(requestCtx, server.deps.Redis, server.logger)
	ctx.JSON(http.StatusOK, gin.H{"class_id": classID.String(), "status": string(booking.ClassStatusCancelled)})
}

func (server *Server) bindIdentifiers(ctx *gin.Context, rawMemberID string, rawClassID string) (credits.MemberID, booking.ClassID, bool) {
	memberID, err := credits.NewMemberID(rawMemberID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_member", err.Error()))
		return credits.MemberID{}, booking.ClassID{}, false
	}
	classID, err := booking.NewClassID(rawClassID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_class", err.Error()))
		return credits.MemberID{}, booking.ClassID{}, false
	}
	return memberID, classID, true
}

func (server *Server) respondReservationError(ctx *gin.Context, err error) {
	reason := booking.ReasonCode(err)
	if reason == booking.ReasonInternal {
		server.logger.Error("reservation operation failed", zap.Error(err))
	}
	ctx.JSON(statusForReason(reason), errorResponse(reason, err.Error()))
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func statusForReason(reason string) int {
	switch reason {
	case booking.ReasonClassNotFound, booking.ReasonMemberNotFound:
		return http.StatusNotFound
	case booking.ReasonInsufficientCredits:
		return http.StatusPaymentRequired
	case booking.ReasonClassNotActive,
		booking.ReasonTooLateToBook,
		booking.ReasonCancellationWindowPassed,
		booking.ReasonNotEnrolled,
		booking.ReasonAlreadyBooked,
		booking.ReasonClassFull:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
