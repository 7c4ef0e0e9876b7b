package history

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/snapverify-project/snapverify/internal/report"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls and
// are reused to avoid per-run allocation.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("history: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("history: zstd decoder: %v", err))
	}
}

func compressResult(res *model.VerificationResult) ([]byte, error) {
	data, err := report.Marshal(res)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

func decompressResult(blob []byte) (*model.VerificationResult, error) {
	data, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress result: %w", err)
	}
	return report.Unmarshal(data)
}

// ChecksumFile returns the hex blake3 digest of a file.
func ChecksumFile(path string) (model.HashValue, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return model.HashValue(hex.EncodeToString(h.Sum(nil))), nil
}
