package orchestrator

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/llms"
)

// ErrResource marks a missing optional capability or inaccessible input.
// Tasks failing with it are not retried; the run continues with the rest.
var ErrResource = errors.New("required resource unavailable")

// imageParts turns a task's prompt and image list into multimodal content:
// the prompt text first, then one image part per entry. Local files are
// base64-encoded and typed by extension; http(s) URLs pass through. Video
// inputs need a frame decoder this build does not carry, so they fail the
// task before dispatch.
func imageParts(prompt string, images []string) ([]llms.ContentPart, error) {
	parts := []llms.ContentPart{llms.TextPart(prompt)}

	for _, image := range images {
		if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
			parts = append(parts, llms.ImagePart(image))
			continue
		}

		ext := strings.ToLower(filepath.Ext(image))
		if ext == ".mp4" {
			return nil, fmt.Errorf("%w: no video frame decoder available for %s", ErrResource, image)
		}

		data, err := os.ReadFile(image)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read image %s: %v", ErrResource, image, err)
		}

		uri := fmt.Sprintf("data:%s;base64,%s", mimeForExt(ext), base64.StdEncoding.EncodeToString(data))
		parts = append(parts, llms.ImagePart(uri))
	}

	return parts, nil
}

func mimeForExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/jpeg"
	}
}
