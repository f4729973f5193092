package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"device-envelope-service/config"
	"device-envelope-service/internal/domain"
	"device-envelope-service/internal/transport"
	"device-envelope-service/internal/usecase"
)

// mockDeviceKeyRepository はテスト用のモックリポジトリ。
type mockDeviceKeyRepository struct {
	existsResult     bool
	existsErr        error
	createErr        error
	findActiveResult *domain.DeviceKey
	findActiveErr    error
	findAllResult    []*domain.DeviceKey
	findAllErr       error
	maxGenResult     uint
	maxGenErr        error
	revokeErr        error
	listIDsResult    []string
	listIDsErr       error
	createdKeys      []*domain.DeviceKey
	revokedIDs       []string
}

func (m *mockDeviceKeyRepository) ExistsByDeviceID(ctx context.Context, deviceID string) (bool, error) {
	return m.existsResult, m.existsErr
}

func (m *mockDeviceKeyRepository) Create(ctx context.Context, key *domain.DeviceKey) error {
	if m.createErr != nil {
		return m.createErr
	}
	key.ID = "created-id"
	key.CreatedAt = time.Now()
	m.createdKeys = append(m.createdKeys, key)
	return nil
}

func (m *mockDeviceKeyRepository) FindActiveByDeviceID(ctx context.Context, deviceID string) (*domain.DeviceKey, error) {
	return m.findActiveResult, m.findActiveErr
}

func (m *mockDeviceKeyRepository) FindAllByDeviceID(ctx context.Context, deviceID string) ([]*domain.DeviceKey, error) {
	return m.findAllResult, m.findAllErr
}

func (m *mockDeviceKeyRepository) GetMaxGeneration(ctx context.Context, deviceID string) (uint, error) {
	return m.maxGenResult, m.maxGenErr
}

func (m *mockDeviceKeyRepository) Revoke(ctx context.Context, id string) error {
	if m.revokeErr != nil {
		return m.revokeErr
	}
	m.revokedIDs = append(m.revokedIDs, id)
	return nil
}

func (m *mockDeviceKeyRepository) ListDeviceIDs(ctx context.Context) ([]string, error) {
	return m.listIDsResult, m.listIDsErr
}

// mockKeyWrapper はテスト用の可逆な鍵ラッパー。
type mockKeyWrapper struct{}

func (mockKeyWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte("wrapped:"), plaintext...), nil
}

func (mockKeyWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	return bytes.TrimPrefix(wrapped, []byte("wrapped:")), nil
}

// mockReadingRepository はテスト用の測定値リポジトリ。
type mockReadingRepository struct {
	findRecentResult []*domain.VitalsReading
	findRecentErr    error
}

func (m *mockReadingRepository) Create(ctx context.Context, reading *domain.VitalsReading) error {
	return nil
}

func (m *mockReadingRepository) FindRecentByDeviceID(ctx context.Context, deviceID string, limit int) ([]*domain.VitalsReading, error) {
	return m.findRecentResult, m.findRecentErr
}

func setupHandler(repo *mockDeviceKeyRepository, readings *mockReadingRepository) *KeyHandler {
	keystore := usecase.NewKeyStoreService(repo, mockKeyWrapper{})
	codec := usecase.NewCodecService(keystore)
	adapter := transport.NewAdapter(keystore, codec, config.EnvelopeModeEncrypted)
	ingest := usecase.NewIngestService(adapter, readings)
	return NewKeyHandler(keystore, ingest, adapter)
}

// newDeviceRequest はdevice_idパスパラメータ付きのリクエストを作成する。
func newDeviceRequest(method, target, deviceID string, body []byte) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("device_id", deviceID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestProvisionKey_Success(t *testing.T) {
	repo := &mockDeviceKeyRepository{}
	h := setupHandler(repo, &mockReadingRepository{})

	req := newDeviceRequest(http.MethodPost, "/v1/devices/hosp1_p1/keys", "hosp1_p1", nil)
	rec := httptest.NewRecorder()
	h.ProvisionKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("want status 201, got %d", rec.Code)
	}

	var resp KeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.DeviceID != "hosp1_p1" {
		t.Errorf("want device_id hosp1_p1, got %s", resp.DeviceID)
	}
	if resp.Generation != 1 {
		t.Errorf("want generation 1, got %d", resp.Generation)
	}
	key, err := base64.StdEncoding.DecodeString(resp.Key)
	if err != nil {
		t.Fatalf("key is not valid base64: %v", err)
	}
	if len(key) != domain.KeySize {
		t.Errorf("want %d-byte key, got %d bytes", domain.KeySize, len(key))
	}
}

func TestProvisionKey_Idempotent(t *testing.T) {
	existingKey := bytes.Repeat([]byte{0x42}, domain.KeySize)
	repo := &mockDeviceKeyRepository{
		findActiveResult: &domain.DeviceKey{
			ID:         "existing-id",
			DeviceID:   "hosp1_p1",
			Generation: 2,
			WrappedKey: append([]byte("wrapped:"), existingKey...),
			Status:     domain.KeyStatusActive,
		},
	}
	h := setupHandler(repo, &mockReadingRepository{})

	req := newDeviceRequest(http.MethodPost, "/v1/devices/hosp1_p1/keys", "hosp1_p1", nil)
	rec := httptest.NewRecorder()
	h.ProvisionKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("want status 201, got %d", rec.Code)
	}

	var resp KeyResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Generation != 2 {
		t.Errorf("want existing generation 2, got %d", resp.Generation)
	}
	if resp.Key != base64.StdEncoding.EncodeToString(existingKey) {
		t.Error("want existing key material returned")
	}
	if len(repo.createdKeys) != 0 {
		t.Errorf("want no new key created, got %d", len(repo.createdKeys))
	}
}

func TestProvisionKey_InvalidDeviceID(t *testing.T) {
	h := setupHandler(&mockDeviceKeyRepository{}, &mockReadingRepository{})

	req := newDeviceRequest(http.MethodPost, "/v1/devices/invalid@device/keys", "invalid@device", nil)
	rec := httptest.NewRecorder()
	h.ProvisionKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestProvisionKey_WithMaterial(t *testing.T) {
	repo := &mockDeviceKeyRepository{}
	h := setupHandler(repo, &mockReadingRepository{})

	material := bytes.Repeat([]byte{0x11}, domain.KeySize)
	body, _ := json.Marshal(ProvisionRequest{Key: base64.StdEncoding.EncodeToString(material)})

	req := newDeviceRequest(http.MethodPost, "/v1/devices/hosp1_p1/keys", "hosp1_p1", body)
	rec := httptest.NewRecorder()
	h.ProvisionKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("want status 201, got %d", rec.Code)
	}

	var resp KeyResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Key != base64.StdEncoding.EncodeToString(material) {
		t.Error("want provided key material to be installed")
	}
}

func TestProvisionKey_InvalidMaterial(t *testing.T) {
	h := setupHandler(&mockDeviceKeyRepository{}, &mockReadingRepository{})

	// 鍵長が不正（16バイトでない）
	body, _ := json.Marshal(ProvisionRequest{Key: base64.StdEncoding.EncodeToString([]byte("short"))})
	req := newDeviceRequest(http.MethodPost, "/v1/devices/hosp1_p1/keys", "hosp1_p1", body)
	rec := httptest.NewRecorder()
	h.ProvisionKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}

	// base64として不正
	body, _ = json.Marshal(ProvisionRequest{Key: "not-base64!!!"})
	req = newDeviceRequest(http.MethodPost, "/v1/devices/hosp1_p1/keys", "hosp1_p1", body)
	rec = httptest.NewRecorder()
	h.ProvisionKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestRotateKey_Success(t *testing.T) {
	repo := &mockDeviceKeyRepository{
		existsResult: true,
		findActiveResult: &domain.DeviceKey{
			ID:         "old-id",
			DeviceID:   "hosp1_p1",
			Generation: 1,
			WrappedKey: []byte("wrapped:old"),
			Status:     domain.KeyStatusActive,
		},
		maxGenResult: 1,
	}
	h := setupHandler(repo, &mockReadingRepository{})

	req := newDeviceRequest(http.MethodPost, "/v1/devices/hosp1_p1/keys/rotate", "hosp1_p1", nil)
	rec := httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("want status 201, got %d", rec.Code)
	}

	var resp KeyResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Generation != 2 {
		t.Errorf("want generation 2, got %d", resp.Generation)
	}

	// 旧世代が失効していることを確認
	if len(repo.revokedIDs) != 1 || repo.revokedIDs[0] != "old-id" {
		t.Errorf("want old generation revoked, got %v", repo.revokedIDs)
	}
}

func TestRotateKey_UnknownDevice(t *testing.T) {
	repo := &mockDeviceKeyRepository{existsResult: false}
	h := setupHandler(repo, &mockReadingRepository{})

	req := newDeviceRequest(http.MethodPost, "/v1/devices/hosp1_p1/keys/rotate", "hosp1_p1", nil)
	rec := httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestRevokeKey_Success(t *testing.T) {
	repo := &mockDeviceKeyRepository{
		existsResult: true,
		findActiveResult: &domain.DeviceKey{
			ID:       "key-id",
			DeviceID: "hosp1_p1",
			Status:   domain.KeyStatusActive,
		},
	}
	h := setupHandler(repo, &mockReadingRepository{})

	req := newDeviceRequest(http.MethodDelete, "/v1/devices/hosp1_p1/keys", "hosp1_p1", nil)
	rec := httptest.NewRecorder()
	h.RevokeKey(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("want status 202, got %d", rec.Code)
	}
	if len(repo.revokedIDs) != 1 {
		t.Errorf("want 1 revocation, got %d", len(repo.revokedIDs))
	}
}

func TestRevokeKey_UnknownDevice(t *testing.T) {
	repo := &mockDeviceKeyRepository{existsResult: false}
	h := setupHandler(repo, &mockReadingRepository{})

	req := newDeviceRequest(http.MethodDelete, "/v1/devices/hosp1_p1/keys", "hosp1_p1", nil)
	rec := httptest.NewRecorder()
	h.RevokeKey(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestListKeys_ExcludesMaterial(t *testing.T) {
	revokedAt := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	repo := &mockDeviceKeyRepository{
		findAllResult: []*domain.DeviceKey{
			{DeviceID: "hosp1_p1", Generation: 1, WrappedKey: []byte("wrapped:secret"), Status: domain.KeyStatusRevoked, RevokedAt: &revokedAt},
			{DeviceID: "hosp1_p1", Generation: 2, WrappedKey: []byte("wrapped:secret"), Status: domain.KeyStatusActive},
		},
	}
	h := setupHandler(repo, &mockReadingRepository{})

	req := newDeviceRequest(http.MethodGet, "/v1/devices/hosp1_p1/keys", "hosp1_p1", nil)
	rec := httptest.NewRecorder()
	h.ListKeys(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}
	// 鍵材がレスポンスに漏れていないことを確認
	if bytes.Contains(rec.Body.Bytes(), []byte("secret")) {
		t.Error("key material must not appear in list response")
	}

	var resp KeyListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Keys) != 2 {
		t.Fatalf("want 2 keys, got %d", len(resp.Keys))
	}
	if resp.Keys[0].Status != "revoked" || resp.Keys[0].RevokedAt == "" {
		t.Errorf("want revoked metadata on generation 1, got %+v", resp.Keys[0])
	}
}

func TestListDevices(t *testing.T) {
	repo := &mockDeviceKeyRepository{listIDsResult: []string{"hosp1_p1", "hosp1_p2"}}
	h := setupHandler(repo, &mockReadingRepository{})

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	rec := httptest.NewRecorder()
	h.ListDevices(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}

	var resp DeviceListResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Devices) != 2 {
		t.Errorf("want 2 devices, got %d", len(resp.Devices))
	}
}

func TestListReadings(t *testing.T) {
	readings := &mockReadingRepository{
		findRecentResult: []*domain.VitalsReading{
			{DeviceID: "hosp1_p1", HeartRate: 78, SpO2: 95, RecordedAt: time.Now()},
		},
	}
	h := setupHandler(&mockDeviceKeyRepository{}, readings)

	req := newDeviceRequest(http.MethodGet, "/v1/devices/hosp1_p1/readings?limit=10", "hosp1_p1", nil)
	rec := httptest.NewRecorder()
	h.ListReadings(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}

	var resp ReadingListResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Readings) != 1 {
		t.Fatalf("want 1 reading, got %d", len(resp.Readings))
	}
	if resp.Readings[0].HeartRate != 78 {
		t.Errorf("want heart_rate 78, got %v", resp.Readings[0].HeartRate)
	}
}

func TestEnvelopeStats(t *testing.T) {
	h := setupHandler(&mockDeviceKeyRepository{}, &mockReadingRepository{})

	req := httptest.NewRequest(http.MethodGet, "/v1/envelope/stats", nil)
	rec := httptest.NewRecorder()
	h.EnvelopeStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}

	var stats transport.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
}

func TestRouter_Healthz(t *testing.T) {
	h := setupHandler(&mockDeviceKeyRepository{}, &mockReadingRepository{})
	router := NewRouter(h, &config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}
}
