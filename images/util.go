package images

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
)

// Checksum generates a deterministic checksum of a float32 buffer, used to verify
// that identical inputs and random state produce identical batches.
//
// Arguments:
//   - data: The pixels to hash.
//
// Returns:
//   - A hex-encoded MD5 checksum string.
//
// Example:
//
// ```go
//
//	sum := Checksum(b.Pixels())
//	fmt.Printf("Batch checksum: %s\n", sum)
//
// ```
func Checksum(data []float32) string {
	if len(data) == 0 {
		return "empty"
	}

	hash := md5.New()
	var word [4]byte
	for _, v := range data {
		binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
		hash.Write(word[:])
	}
	return fmt.Sprintf("%x", hash.Sum(nil))
}
