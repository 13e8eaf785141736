package serializer

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd - JSON, сжатый zstd. Подходит для крупных payload в outbox.
// EncodeAll/DecodeAll безопасны для конкурентного использования.
type Zstd struct {
	inner   JSON
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd создаёт сжимающий сериализатор.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("создание zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("создание zstd decoder: %w", err)
	}
	return &Zstd{encoder: enc, decoder: dec}, nil
}

func (z *Zstd) Serialize(v any) ([]byte, error) {
	raw, err := z.inner.Serialize(v)
	if err != nil {
		return nil, err
	}
	return z.encoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func (z *Zstd) Deserialize(data []byte, v any) error {
	raw, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd распаковка: %w", err)
	}
	return z.inner.Deserialize(raw, v)
}

func (z *Zstd) ContentType() string {
	return "application/json+zstd"
}

// Close освобождает ресурсы кодеков.
func (z *Zstd) Close() {
	_ = z.encoder.Close()
	z.decoder.Close()
}
