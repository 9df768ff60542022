package jsonapi

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Single returns a document whose primary data is r.
func Single(r Resource) Document {
	return Document{Data: r}
}

// Collection returns a document listing resources with a total count in
// meta. A nil slice renders as an empty array.
func Collection(resources []Resource) Document {
	if resources == nil {
		resources = []Resource{}
	}
	return Document{
		Data: resources,
		Meta: Meta{"total": len(resources)},
	}
}

// Failure returns an error document.
func Failure(errs ...Error) Document {
	return Document{Errors: errs}
}

// Encode marshals doc for a buffered response body.
func Encode(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

// WriteError writes an error document. The HTTP status comes from the
// first error, 500 when it has none.
func WriteError(w http.ResponseWriter, errs ...Error) {
	if len(errs) == 0 {
		errs = []Error{ErrInternal()}
	}
	status, err := strconv.Atoi(errs[0].Status)
	if err != nil || status < 100 {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Failure(errs...))
}
