package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"atelier/internal/cache"
)

type usageSummaryResponse struct {
	MonthlyLimit int `json:"monthly_limit"`
	MonthlyUsed  int `json:"monthly_used"`
	Remaining    int `json:"remaining"`
}

type usageHistoryEntry struct {
	Month           string `json:"month"`
	Used            int    `json:"used"`
	ConversionCount int    `json:"conversion_count"`
}

// UsageSummary reports the caller's quota counters, served from cache when
// fresh enough. Ledger mutations invalidate the cached view.
func (a *App) UsageSummary(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	if a.Usage != nil {
		var cached usageSummaryResponse
		err := a.Usage.GetUsageSummary(r.Context(), userID, &cached)
		if err == nil {
			a.json(w, http.StatusOK, cached)
			return
		}
		if !errors.Is(err, cache.ErrMiss) {
			a.Log.Warn().Err(err).Str("user_id", userID).Msg("usage: summary cache read failed")
		}
	}

	profile, err := a.Quota.EnsureProfile(r.Context(), userID, a.DefaultMonthlyLimit)
	if err != nil {
		a.Log.Error().Err(err).Str("user_id", userID).Msg("usage: loading profile failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load usage")
		return
	}

	resp := usageSummaryResponse{
		MonthlyLimit: profile.MonthlyLimit,
		MonthlyUsed:  profile.MonthlyUsed,
		Remaining:    profile.Remaining(),
	}
	if a.Usage != nil {
		if err := a.Usage.SetUsageSummary(r.Context(), userID, resp); err != nil {
			a.Log.Warn().Err(err).Str("user_id", userID).Msg("usage: summary cache write failed")
		}
	}
	a.json(w, http.StatusOK, resp)
}

// UsageHistory reports per-month conversion activity for a lookback window of
// 1 to 12 months, default 6.
func (a *App) UsageHistory(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	months := 6
	if v := r.URL.Query().Get("months"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 12 {
			a.error(w, http.StatusBadRequest, "bad_request", "months must be 1-12")
			return
		}
		months = parsed
	}

	if a.Usage != nil {
		var cached []usageHistoryEntry
		err := a.Usage.GetUsageHistory(r.Context(), userID, months, &cached)
		if err == nil {
			a.json(w, http.StatusOK, map[string]any{"months": months, "history": cached})
			return
		}
		if !errors.Is(err, cache.ErrMiss) {
			a.Log.Warn().Err(err).Str("user_id", userID).Msg("usage: history cache read failed")
		}
	}

	rows, err := a.Jobs.UsageHistory(r.Context(), userID, months)
	if err != nil {
		a.Log.Error().Err(err).Str("user_id", userID).Msg("usage: history query failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load usage history")
		return
	}

	history := make([]usageHistoryEntry, 0, len(rows))
	for _, row := range rows {
		history = append(history, usageHistoryEntry{
			Month:           row.Month,
			Used:            row.Used,
			ConversionCount: row.ConversionCount,
		})
	}
	if a.Usage != nil {
		if err := a.Usage.SetUsageHistory(r.Context(), userID, months, history); err != nil {
			a.Log.Warn().Err(err).Str("user_id", userID).Msg("usage: history cache write failed")
		}
	}
	a.json(w, http.StatusOK, map[string]any{"months": months, "history": history})
}
