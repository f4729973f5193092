// Package transport はワイヤ形式のエンベロープとAEADコーデックの橋渡しを提供する。
package transport

// Envelope はメッセージバスで運搬されるワイヤ形式を表す。
// CiphertextとNonceはencoding/jsonにより自動的にbase64で符号化される。
// Payloadは平文テストモードでのみ使用される。
type Envelope struct {
	DeviceID   string `json:"device_id"`
	Encrypted  bool   `json:"encrypted"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
}
