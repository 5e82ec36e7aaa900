package enrich

import (
	"bytes"
	"context"
	"mime"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	"github.com/use-agent/portalscrape/models"
)

// CloudinaryUploader stores audio on Cloudinary under folder/<uuid>.
type CloudinaryUploader struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// NewCloudinaryUploader creates an uploader from account credentials.
func NewCloudinaryUploader(cloudName, apiKey, apiSecret, folder string) (*CloudinaryUploader, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, models.NewExtractError(models.ErrCodeValidation, "invalid cloudinary credentials", err)
	}
	return &CloudinaryUploader{cld: cld, folder: strings.Trim(folder, "/")}, nil
}

// Upload sends data as a video resource (Cloudinary's type for audio) and
// returns its secure URL.
func (u *CloudinaryUploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	publicID := uuid.NewString()
	if u.folder != "" {
		publicID = u.folder + "/" + publicID
	}

	res, err := u.cld.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		PublicID:     publicID,
		ResourceType: "video",
		Format:       audioFormat(contentType),
	})
	if err != nil {
		return "", models.NewExtractError(models.ErrCodeNetwork, "upload failed", err)
	}
	if res.Error.Message != "" {
		return "", models.NewExtractError(models.ErrCodeNetwork, "upload rejected: "+res.Error.Message, nil)
	}
	if res.SecureURL == "" {
		return "", models.NewExtractError(models.ErrCodeNetwork, "upload returned no url", nil)
	}
	return res.SecureURL, nil
}

// audioFormat maps a content type to the stored file format. Unknown types
// are stored as mp3.
func audioFormat(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "mp3"
	}
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "audio/webm":
		return "webm"
	default:
		return "mp3"
	}
}
