package tdp

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const (
	// GzipCompressionType helps identify which compression/decompression to use.
	GzipCompressionType = "gzip"

	// ZstdCompressionType helps identify which compression/decompression to use.
	ZstdCompressionType = "zstd"

	// AesSymmetricType helps identify which encryption/decryption to use.
	AesSymmetricType = "aes"
)

// ModdedValue describes the modifications applied to stored bytes.
type ModdedValue struct {
	Encrypted   bool   `json:"Encrypted"`
	EType       string `json:"EncryptionType,omitempty"`
	Compressed  bool   `json:"Compressed"`
	CType       string `json:"CompressionType,omitempty"`
	UTCDateTime string `json:"UTCDateTime"`
	Data        []byte `json:"Data"`
}

// WrappedValue wraps stored data in a plaintext envelope recording which
// modifications were applied, so readers can undo them without out-of-band
// knowledge.
type WrappedValue struct {
	ValueID       uuid.UUID    `json:"ValueID"`
	ValueMetadata string       `json:"ValueMetadata,omitempty"`
	Body          *ModdedValue `json:"Body"`
}

// CreatePayload creates a JSON marshal of input and optionally compresses and
// encrypts the bytes, per the supplied configs.
func CreatePayload(
	input interface{},
	compression *CompressionConfig,
	encryption *EncryptionConfig) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	data, err := json.Marshal(&input)
	if err != nil {
		return nil, err
	}

	buffer := &bytes.Buffer{}
	if compression != nil && compression.Enabled && len(data) >= compression.Threshold {
		err := handleCompression(compression, data, buffer)
		if err != nil {
			return nil, err
		}

		// Update data - data is now compressed
		data = buffer.Bytes()
	}

	if encryption != nil && encryption.Enabled {
		err := handleEncryption(encryption, data, buffer)
		if err != nil {
			return nil, err
		}

		// Update data - data is now encrypted
		data = buffer.Bytes()
	}

	return data, nil
}

// CreateWrappedPayload wraps input in a plaintext WrappedValue envelope and
// performs the selected modifications to the inner data.
func CreateWrappedPayload(
	input interface{},
	valueID uuid.UUID,
	metadata string,
	compression *CompressionConfig,
	encryption *EncryptionConfig) ([]byte, error) {

	wrappedValue := &WrappedValue{
		ValueID:       valueID,
		ValueMetadata: metadata,
		Body:          &ModdedValue{},
	}

	var json = jsoniter.ConfigFastest
	innerData, err := json.Marshal(&input)
	if err != nil {
		return nil, err
	}

	buffer := &bytes.Buffer{}
	if compression != nil && compression.Enabled && len(innerData) >= compression.Threshold {
		err := handleCompression(compression, innerData, buffer)
		if err != nil {
			return nil, err
		}

		// Data is now compressed
		wrappedValue.Body.Compressed = true
		wrappedValue.Body.CType = compression.Type
		innerData = buffer.Bytes()
	}

	if encryption != nil && encryption.Enabled {
		err := handleEncryption(encryption, innerData, buffer)
		if err != nil {
			return nil, err
		}

		// Data is now encrypted
		wrappedValue.Body.Encrypted = true
		wrappedValue.Body.EType = encryption.Type
		innerData = buffer.Bytes()
	}

	wrappedValue.Body.UTCDateTime = time.Now().UTC().Format(time.RFC3339)
	wrappedValue.Body.Data = innerData

	return json.Marshal(&wrappedValue)
}

// ReadWrappedValueFromBytes reads bytes back as a WrappedValue envelope.
func ReadWrappedValueFromBytes(data []byte) (*WrappedValue, error) {

	var json = jsoniter.ConfigFastest
	body := &WrappedValue{}
	err := json.Unmarshal(data, body)
	if err != nil {
		return nil, err
	}

	return body, nil
}

// ReadPayload decrypts and decompresses payloads in place.
func ReadPayload(buffer *bytes.Buffer, compression *CompressionConfig, encryption *EncryptionConfig) error {

	if encryption != nil && encryption.Enabled {
		if err := handleDecryption(encryption, buffer); err != nil {
			return err
		}
	}

	if compression != nil && compression.Enabled {
		if err := handleDecompression(compression, buffer); err != nil {
			return err
		}
	}

	return nil
}

func handleCompression(compression *CompressionConfig, data []byte, buffer *bytes.Buffer) error {

	buffer.Reset()
	switch compression.Type {
	case ZstdCompressionType:
		return CompressWithZstd(data, buffer)
	case GzipCompressionType:
		fallthrough
	default:
		return CompressWithGzip(data, buffer)
	}
}

func handleDecompression(compression *CompressionConfig, buffer *bytes.Buffer) error {

	switch compression.Type {
	case ZstdCompressionType:
		return DecompressWithZstd(buffer)
	case GzipCompressionType:
		fallthrough
	default:
		return DecompressWithGzip(buffer)
	}
}

func handleEncryption(encryption *EncryptionConfig, data []byte, buffer *bytes.Buffer) error {

	switch encryption.Type {
	case AesSymmetricType:
		fallthrough
	default:
		encrypted, err := EncryptWithAes(data, encryption.Hashkey, defaultNonceSize)
		if err != nil {
			return err
		}

		*buffer = *bytes.NewBuffer(encrypted)

		return nil
	}
}

func handleDecryption(encryption *EncryptionConfig, buffer *bytes.Buffer) error {

	switch encryption.Type {
	case AesSymmetricType:
		fallthrough
	default:
		decrypted, err := DecryptWithAes(buffer.Bytes(), encryption.Hashkey, defaultNonceSize)
		if err != nil {
			return err
		}

		*buffer = *bytes.NewBuffer(decrypted)

		return nil
	}
}
