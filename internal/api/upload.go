package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/auth"
	"github.com/fruitsalade/pantry/internal/upload"
	"github.com/fruitsalade/pantry/pkg/protocol"
)

// handleUpload accepts multipart form fields file, customName, nameType and
// url, and query parameters uploadChannel, uploadFolder, returnFormat,
// autoRetry, serverCompress and public.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	if claims == nil {
		s.sendError(w, r, apperr.Unauthorized(apperr.CodeUnauthorized, "authentication required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.sendError(w, r, apperr.Validation(apperr.CodeValidation,
				"upload exceeds the %d byte limit", s.maxUploadSize))
			return
		}
		s.sendError(w, r, apperr.Validation(apperr.CodeValidation, "invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	q := r.URL.Query()
	autoRetry, err := boolParam(q.Get("autoRetry"), true)
	if err != nil {
		s.sendError(w, r, apperr.Validation(apperr.CodeValidation, "autoRetry must be a boolean"))
		return
	}
	serverCompress, err := boolParam(q.Get("serverCompress"), true)
	if err != nil {
		s.sendError(w, r, apperr.Validation(apperr.CodeValidation, "serverCompress must be a boolean"))
		return
	}
	public, err := boolParam(q.Get("public"), true)
	if err != nil {
		s.sendError(w, r, apperr.Validation(apperr.CodeValidation, "public must be a boolean"))
		return
	}

	req := upload.Request{
		UserID:         claims.UserID,
		Channel:        q.Get("uploadChannel"),
		AutoRetry:      autoRetry,
		ServerCompress: serverCompress,
		Public:         public,
		Folder:         q.Get("uploadFolder"),
		NameType:       r.FormValue("nameType"),
		CustomName:     r.FormValue("customName"),
		URL:            r.FormValue("url"),
		ClientIP:       s.Proxies.ClientIP(r),
		Header:         r.Header,
		Query:          q,
		FullLink:       q.Get("returnFormat") == "full",
		Origin:         origin(r),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		fillFile(&req, file, header)
	case errors.Is(err, http.ErrMissingFile) && req.URL != "":
		// External registrations carry only a URL.
	default:
		s.sendError(w, r, apperr.Validation(apperr.CodeValidation, "file is required"))
		return
	}

	res, err := s.Uploads.Upload(r.Context(), req)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, []protocol.UploadLink{{Src: res.Link}})
}

func fillFile(req *upload.Request, file multipart.File, header *multipart.FileHeader) {
	req.FileName = header.Filename
	req.MimeType = header.Header.Get("Content-Type")
	req.Size = header.Size
	req.Content = file
}

func boolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}
