// Package vault はOAuthトークンの保管用暗号化を提供する。
// AES-256-GCMで暗号化し、"b64(nonce).b64(暗号文+タグ)" 形式の
// 文字列としてデータベースに保存できる形にする。
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecryption は復号失敗を表す。鍵の不一致・blobの破損・
// 認証タグの検証失敗のいずれでも返る。呼び出し側はどの原因かを
// 区別せず、当該クレデンシャルを使用不能として扱う。
var ErrDecryption = errors.New("復号に失敗しました")

// Vault はAES-256-GCMによる暗号化・復号を行う。
type Vault struct {
	aead cipher.AEAD
}

// New は32バイトの鍵からVaultを生成する。
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("暗号化キーは32バイトである必要があります: got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Seal は平文を暗号化し "b64(nonce).b64(暗号文+タグ)" 形式の文字列を返す。
// 呼び出しごとに新しいランダムなnonceを生成する。
func (v *Vault) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := v.aead.Seal(nil, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(nonce) + "." + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open はSealが生成したblobを復号して平文を返す。
// 形式不正・鍵不一致・改ざんのいずれの場合もErrDecryptionを返す。
func (v *Vault) Open(blob string) ([]byte, error) {
	parts := strings.SplitN(blob, ".", 2)
	if len(parts) != 2 {
		return nil, ErrDecryption
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrDecryption
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrDecryption
	}

	if len(nonce) != v.aead.NonceSize() {
		return nil, ErrDecryption
	}

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}

	return plaintext, nil
}

// tokenRecord はトークンをJSONで包むための内部表現。
type tokenRecord struct {
	Token string `json:"token"`
}

// EncryptToken はトークン文字列をJSONレコードに包んで暗号化する。
func (v *Vault) EncryptToken(token string) (string, error) {
	data, err := json.Marshal(tokenRecord{Token: token})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token record: %w", err)
	}
	return v.Seal(data)
}

// DecryptToken はEncryptTokenで暗号化されたblobからトークン文字列を取り出す。
func (v *Vault) DecryptToken(blob string) (string, error) {
	plaintext, err := v.Open(blob)
	if err != nil {
		return "", err
	}

	var rec tokenRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return "", ErrDecryption
	}

	return rec.Token, nil
}
