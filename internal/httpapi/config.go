package httpapi

import "vlmd/internal/config"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// maxUploadBytes bounds a whole multipart upload (image plus video plus form fields).
var maxUploadBytes int64 = 128 << 20

// SetMaxUploadBytes sets the multipart body limit; non-positive restores 128 MiB.
func SetMaxUploadBytes(n int64) {
	if n <= 0 {
		maxUploadBytes = 128 << 20
		return
	}
	maxUploadBytes = n
}

// inferTimeout bounds a whole /infer request including media staging.
// Zero means no additional timeout beyond the inference timeout.
var inferTimeout = int64(0) // seconds

// SetInferTimeoutSeconds sets the infer timeout in seconds (0 disables).
func SetInferTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	inferTimeout = sec
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// Configure applies the server section: CORS and the upload limit, which
// leaves headroom above the image and video limits for the form itself.
func Configure(sc config.ServerConfig) {
	SetCORSOptions(sc.CORSEnabled, sc.CORSOrigins, nil, nil)
	SetMaxUploadBytes(int64(sc.MaxFileSizeMB+sc.MaxVideoSizeMB+1) << 20)
}
