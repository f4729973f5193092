// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"device-envelope-service/internal/domain"
	"device-envelope-service/internal/middleware"
	"device-envelope-service/internal/transport"
	"device-envelope-service/internal/usecase"
	"device-envelope-service/pkg/httputil"
)

var deviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// KeyHandler はデバイス鍵管理APIのHTTPハンドラを提供する。
type KeyHandler struct {
	keystore *usecase.KeyStoreService
	ingest   *usecase.IngestService
	adapter  *transport.Adapter
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(keystore *usecase.KeyStoreService, ingest *usecase.IngestService, adapter *transport.Adapter) *KeyHandler {
	return &KeyHandler{
		keystore: keystore,
		ingest:   ingest,
		adapter:  adapter,
	}
}

func validateDeviceID(deviceID string) error {
	if deviceID == "" {
		return domain.ErrInvalidDeviceID
	}
	if len(deviceID) > 64 {
		return domain.ErrInvalidDeviceID
	}
	if !deviceIDRegex.MatchString(deviceID) {
		return domain.ErrInvalidDeviceID
	}
	return nil
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	DeviceID   string `json:"device_id"`
	Generation uint   `json:"generation"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	RevokedAt  string `json:"revoked_at,omitempty"`
}

// KeyResponse は鍵発行のレスポンス形式。鍵材を返すのはここだけ。
type KeyResponse struct {
	DeviceID   string `json:"device_id"`
	Generation uint   `json:"generation"`
	Key        string `json:"key"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// DeviceListResponse はデバイス一覧のレスポンス形式。
type DeviceListResponse struct {
	Devices []string `json:"devices"`
}

// ProvisionRequest は鍵発行リクエストの形式。Keyは省略可能な持ち込み鍵材。
type ProvisionRequest struct {
	Key string `json:"key,omitempty"`
}

// ReadingResponse はバイタル測定値のレスポンス形式。
type ReadingResponse struct {
	DeviceID     string  `json:"device_id"`
	HeartRate    float64 `json:"heart_rate"`
	SpO2         float64 `json:"spo2"`
	BPSystolic   float64 `json:"bp_systolic"`
	BPDiastolic  float64 `json:"bp_diastolic"`
	Temperature  float64 `json:"temperature"`
	AnomalyScore float64 `json:"anomaly_score"`
	RecordedAt   string  `json:"recorded_at"`
}

// ReadingListResponse は測定値一覧のレスポンス形式。
type ReadingListResponse struct {
	Readings []ReadingResponse `json:"readings"`
}

// ProvisionKey はデバイスに鍵を発行する。既に有効な鍵がある場合は
// その鍵を返す（冪等）。
func (h *KeyHandler) ProvisionKey(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if err := validateDeviceID(deviceID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DEVICE_ID", "invalid device ID format")
		return
	}

	var material []byte
	if r.Body != nil && r.ContentLength != 0 {
		var req ProvisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
			return
		}
		if req.Key != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.Key)
			if err != nil {
				httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_MATERIAL", "key must be base64-encoded")
				return
			}
			material = decoded
		}
	}

	key, err := h.keystore.Provision(r.Context(), deviceID, material)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidKeyMaterial) {
			middleware.WriteAuditLog(r.Context(), "PROVISION_KEY", deviceID, 0, "FAILED")
			httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_MATERIAL", "key must be 16 bytes")
			return
		}
		middleware.WriteAuditLog(r.Context(), "PROVISION_KEY", deviceID, 0, "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "PROVISION_KEY", deviceID, key.Generation, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, KeyResponse{
		DeviceID:   key.DeviceID,
		Generation: key.Generation,
		Key:        base64.StdEncoding.EncodeToString(key.Key),
	})
}

// RotateKey はデバイスの鍵をローテーションする。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if err := validateDeviceID(deviceID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DEVICE_ID", "invalid device ID format")
		return
	}

	key, err := h.keystore.Rotate(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownDevice) {
			middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", deviceID, 0, "FAILED")
			httputil.Error(w, http.StatusNotFound, "UNKNOWN_DEVICE", "device has never been provisioned")
			return
		}
		middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", deviceID, 0, "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", deviceID, key.Generation, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, KeyResponse{
		DeviceID:   key.DeviceID,
		Generation: key.Generation,
		Key:        base64.StdEncoding.EncodeToString(key.Key),
	})
}

// RevokeKey はデバイスの有効な鍵を失効させる。
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if err := validateDeviceID(deviceID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DEVICE_ID", "invalid device ID format")
		return
	}

	if err := h.keystore.Revoke(r.Context(), deviceID); err != nil {
		if errors.Is(err, domain.ErrUnknownDevice) {
			middleware.WriteAuditLog(r.Context(), "REVOKE_KEY", deviceID, 0, "FAILED")
			httputil.Error(w, http.StatusNotFound, "UNKNOWN_DEVICE", "device has never been provisioned")
			return
		}
		middleware.WriteAuditLog(r.Context(), "REVOKE_KEY", deviceID, 0, "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "REVOKE_KEY", deviceID, 0, "SUCCESS")
	w.WriteHeader(http.StatusAccepted)
}

// ListKeys はデバイスの全世代の鍵メタデータを返す。鍵材は含まない。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if err := validateDeviceID(deviceID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DEVICE_ID", "invalid device ID format")
		return
	}

	keys, err := h.keystore.ListKeys(r.Context(), deviceID)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	response := KeyListResponse{
		Keys: make([]KeyMetadataResponse, len(keys)),
	}
	for i, k := range keys {
		meta := KeyMetadataResponse{
			DeviceID:   k.DeviceID,
			Generation: k.Generation,
			Status:     string(k.Status),
			CreatedAt:  k.CreatedAt.Format(time.RFC3339),
		}
		if k.RevokedAt != nil {
			meta.RevokedAt = k.RevokedAt.Format(time.RFC3339)
		}
		response.Keys[i] = meta
	}
	httputil.JSON(w, http.StatusOK, response)
}

// ListDevices は鍵を持つ全デバイスIDを返す。
func (h *KeyHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.keystore.ListDevices(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	httputil.JSON(w, http.StatusOK, DeviceListResponse{Devices: devices})
}

// ListReadings はデバイスの直近のバイタル測定値を返す。
func (h *KeyHandler) ListReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if err := validateDeviceID(deviceID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DEVICE_ID", "invalid device ID format")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	readings, err := h.ingest.RecentReadings(r.Context(), deviceID, limit)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	response := ReadingListResponse{
		Readings: make([]ReadingResponse, len(readings)),
	}
	for i, reading := range readings {
		response.Readings[i] = ReadingResponse{
			DeviceID:     reading.DeviceID,
			HeartRate:    reading.HeartRate,
			SpO2:         reading.SpO2,
			BPSystolic:   reading.BPSystolic,
			BPDiastolic:  reading.BPDiastolic,
			Temperature:  reading.Temperature,
			AnomalyScore: reading.AnomalyScore,
			RecordedAt:   reading.RecordedAt.Format(time.RFC3339),
		}
	}
	httputil.JSON(w, http.StatusOK, response)
}

// EnvelopeStats はエンベロープ処理の失敗カウンタを返す。
func (h *KeyHandler) EnvelopeStats(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, h.adapter.Stats())
}
