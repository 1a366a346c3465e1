package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// CodeHashFile holds a precomputed code digest shipped with the image.
	// Its first whitespace-separated token is the hex digest.
	CodeHashFile = "CODE_HASH.txt"

	// ImageInfoFile holds JSON image metadata shipped with the image.
	ImageInfoFile = "IMAGE_INFO.json"
)

// computeCodeMeasurement returns the code digest, preferring the precomputed
// value shipped with the image over hashing the running executable.
func computeCodeMeasurement(keyDir string) (string, error) {
	hashPath := filepath.Join(keyDir, CodeHashFile)
	if data, err := os.ReadFile(hashPath); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 && fields[0] != "" {
			return fields[0], nil
		}
	}

	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate running executable: %w", err)
	}
	exeBytes, err := os.ReadFile(exePath)
	if err != nil {
		return "", fmt.Errorf("failed to read running executable: %w", err)
	}

	digest := sha256.Sum256(exeBytes)
	return hex.EncodeToString(digest[:]), nil
}

// loadImageID reads the image name from the image info file. Best-effort;
// returns empty when the file is absent or malformed.
func loadImageID(keyDir string) string {
	data, err := os.ReadFile(filepath.Join(keyDir, ImageInfoFile))
	if err != nil {
		return ""
	}

	var info struct {
		ImageName string `json:"image_name"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return ""
	}
	return info.ImageName
}
