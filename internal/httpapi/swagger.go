//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// MountSwagger serves the generated OpenAPI document and UI under /swagger/.
// Nothing is mounted unless a generated docs package registered itself.
func MountSwagger(r chi.Router) {
	if _, err := swag.ReadDoc(); err != nil {
		return
	}
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
