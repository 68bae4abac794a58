package httptransport

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	dErrors "aipgate/pkg/domain-errors"
)

const (
	// maxUploadBytes matches the vendor's request size ceiling.
	maxUploadBytes = 4 << 20
	maxURLBytes    = 1024
)

// allowedUploadTypes are the content types the vendor accepts. OFD is only
// reachable through the smart endpoint, mirroring the vendor's API shape.
var allowedUploadTypes = map[string]string{
	"image/jpeg":      "image",
	"image/jpg":       "image",
	"image/png":       "image",
	"image/bmp":       "image",
	"image/gif":       "image",
	"image/webp":      "image",
	"application/pdf": "pdf_file",
	"application/ofd": "ofd_file",
}

// passthroughFlags are vendor feature switches copied through when the
// caller supplies a valid boolean string.
var passthroughFlags = []string{"verify_parameter", "probability", "location"}

// handleRecognizeURL recognizes a document by URL.
func (h *Handler) handleRecognizeURL(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid form body"))
		return
	}

	target := r.PostFormValue("url")
	if target == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "url is required"))
		return
	}
	if len(target) > maxURLBytes {
		writeError(w, dErrors.Newf(dErrors.CodeBadRequest, "url exceeds %d bytes", maxURLBytes))
		return
	}

	form := url.Values{"url": {target}}
	copyFlags(form, r)
	h.forwardRecognition(w, r, form)
}

// handleRecognizeUpload recognizes an uploaded image or PDF.
func (h *Handler) handleRecognizeUpload(w http.ResponseWriter, r *http.Request) {
	field, encoded, err := readUpload(r, "file", true)
	if err != nil {
		writeError(w, err)
		return
	}

	form := url.Values{field: {encoded}}
	h.forwardRecognition(w, r, form)
}

// handleRecognizeSmart accepts the vendor's full parameter surface: an
// optional file upload plus base64/url form fields with the precedence
// image > url > pdf_file > ofd_file.
func (h *Handler) handleRecognizeSmart(w http.ResponseWriter, r *http.Request) {
	form := url.Values{}

	field, encoded, err := readUpload(r, "file", false)
	if err != nil {
		writeError(w, err)
		return
	}
	if field != "" {
		form.Set(field, encoded)
	}

	switch {
	case r.PostFormValue("image") != "":
		form.Set("image", r.PostFormValue("image"))
	case r.PostFormValue("url") != "" && !form.Has("image"):
		form.Set("url", r.PostFormValue("url"))
	case r.PostFormValue("pdf_file") != "" && !form.Has("image") && !form.Has("url"):
		form.Set("pdf_file", r.PostFormValue("pdf_file"))
	case r.PostFormValue("ofd_file") != "" && !form.Has("image") && !form.Has("url") && !form.Has("pdf_file"):
		form.Set("ofd_file", r.PostFormValue("ofd_file"))
	}

	if num := r.PostFormValue("pdf_file_num"); num != "" && form.Has("pdf_file") {
		if err := validatePageNum(num); err != nil {
			writeError(w, err)
			return
		}
		form.Set("pdf_file_num", num)
	}
	if num := r.PostFormValue("ofd_file_num"); num != "" && form.Has("ofd_file") {
		if err := validatePageNum(num); err != nil {
			writeError(w, err)
			return
		}
		form.Set("ofd_file_num", num)
	}
	copyFlags(form, r)

	if !form.Has("image") && !form.Has("url") && !form.Has("pdf_file") && !form.Has("ofd_file") {
		writeError(w, dErrors.New(dErrors.CodeBadRequest,
			"one of file upload, image, url, pdf_file or ofd_file is required"))
		return
	}

	h.forwardRecognition(w, r, form)
}

// forwardRecognition is the shared tail of every recognition endpoint:
// lease a token, call the vendor, then settle accounting. A vendor auth
// rejection invalidates the cached token and still fails the request; only
// a successful recognition consumes quota.
func (h *Handler) forwardRecognition(w http.ResponseWriter, r *http.Request, form url.Values) {
	ctx := r.Context()

	lease, err := h.pool.GetToken(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "no token available", "error", err)
		writeError(w, err)
		return
	}

	h.metrics.IncrementRequests()
	result, err := h.recognizer.Recognize(ctx, lease.Token, form)
	if err != nil {
		h.metrics.IncrementUpstreamErrors()
		h.logger.ErrorContext(ctx, "recognition call failed",
			"credential_id", lease.CredentialID, "error", err)
		writeError(w, err)
		return
	}

	if !result.OK() {
		h.metrics.IncrementUpstreamErrors()
		if result.AuthRejected() {
			// The vendor rejected the token itself. Drop it so the next
			// request refetches; the credential's health is untouched.
			if ierr := h.pool.Invalidate(ctx, lease.CredentialID); ierr != nil {
				h.logger.ErrorContext(ctx, "token invalidation failed",
					"credential_id", lease.CredentialID, "error", ierr)
			}
		}
		writeError(w, dErrors.Newf(dErrors.CodeUpstreamRejected,
			"upstream recognition error: HTTP %d", result.StatusCode))
		return
	}

	if err := h.pool.Consume(ctx, lease.CredentialID); err != nil {
		h.logger.WarnContext(ctx, "consume rejected",
			"credential_id", lease.CredentialID, "error", err)
		writeError(w, err)
		return
	}

	resp := RecognizeResponse{
		Result:         result.Body,
		UsedCredential: lease.CredentialID,
	}
	if n, ok, err := h.pool.RemainingUses(ctx, lease.CredentialID); err == nil && ok {
		resp.RemainingEstimate = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

// readUpload pulls a multipart file field, enforces type and size limits,
// and returns the vendor form field plus the base64 payload. When required
// is false an absent file is not an error.
func readUpload(r *http.Request, field string, required bool) (string, string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes + 1<<20); err != nil {
		if required {
			return "", "", dErrors.New(dErrors.CodeBadRequest, "multipart form body is required")
		}
		// The smart endpoint also accepts plain urlencoded forms.
		if err := r.ParseForm(); err != nil {
			return "", "", dErrors.New(dErrors.CodeBadRequest, "invalid form body")
		}
		return "", "", nil
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		if required {
			return "", "", dErrors.New(dErrors.CodeBadRequest, "file is required")
		}
		return "", "", nil
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	vendorField, ok := allowedUploadTypes[contentType]
	if !ok {
		return "", "", dErrors.Newf(dErrors.CodeBadRequest, "unsupported file type %q", contentType)
	}
	// The plain upload endpoint does not accept OFD.
	if required && vendorField == "ofd_file" {
		return "", "", dErrors.Newf(dErrors.CodeBadRequest, "unsupported file type %q", contentType)
	}

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeBadRequest, "read upload")
	}
	if len(content) > maxUploadBytes {
		return "", "", dErrors.Newf(dErrors.CodeBadRequest,
			"file exceeds %dMB limit", maxUploadBytes/(1<<20))
	}

	return vendorField, base64.StdEncoding.EncodeToString(content), nil
}

func copyFlags(form url.Values, r *http.Request) {
	for _, flag := range passthroughFlags {
		if v := r.PostFormValue(flag); v == "true" || v == "false" {
			form.Set(flag, v)
		}
	}
}

func validatePageNum(v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return dErrors.New(dErrors.CodeBadRequest, "page number must be a positive integer")
	}
	return nil
}
