package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// Cloudinary forwards uploads to the Cloudinary image API using the signed
// upload scheme: SHA-1 over the string-to-sign concatenated with the API
// secret. Field order in the string-to-sign is fixed and must not change.
type Cloudinary struct {
	cloudName  string
	apiKey     string
	apiSecret  string
	folder     string
	httpClient *http.Client
	now        func() time.Time
}

func NewCloudinary(cloudName, apiKey, apiSecret, folder string) *Cloudinary {
	return &Cloudinary{
		cloudName:  cloudName,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		folder:     folder,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// StringToSign builds the exact payload the provider verifies.
func StringToSign(folder string, timestamp int64) string {
	return fmt.Sprintf("folder=%s&timestamp=%d", folder, timestamp)
}

// Sign produces the hex SHA-1 signature over stringToSign + secret.
func Sign(stringToSign, apiSecret string) string {
	sum := sha1.Sum([]byte(stringToSign + apiSecret))
	return hex.EncodeToString(sum[:])
}

func (c *Cloudinary) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	timestamp := c.now().Unix()
	signature := Sign(StringToSign(c.folder, timestamp), c.apiSecret)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write upload form: %w", err)
	}
	_ = form.WriteField("api_key", c.apiKey)
	_ = form.WriteField("timestamp", strconv.FormatInt(timestamp, 10))
	_ = form.WriteField("signature", signature)
	_ = form.WriteField("folder", c.folder)
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close upload form: %w", err)
	}

	url := fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/image/upload", c.cloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload to cloudinary: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		SecureURL string `json:"secure_url"`
		Error     struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode cloudinary response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cloudinary returned %d: %s", resp.StatusCode, parsed.Error.Message)
	}
	return parsed.SecureURL, nil
}
