package option

import (
	"fmt"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/pkg/db/pagination"
	"gorm.io/gorm"
)

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type optionFunc func(db *gorm.DB) *gorm.DB

func (f optionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds a comparison condition on a single column.
func ApplyOperator(cond Condition) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s %s ?", cond.Field, cond.Operator), cond.Value)
	})
}

// WithSortBy orders the result set; allowed guards against injection through
// caller-supplied column names.
func WithSortBy(field, direction string, allowed map[string]bool) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		if allowed != nil && !allowed[field] {
			return db
		}
		if direction != "asc" && direction != "desc" {
			direction = "asc"
		}
		return db.Order(fmt.Sprintf("%s %s", field, direction))
	})
}

// ApplyPagination caps the page size and, when the token decodes, resumes a
// keyset scan ordered by (created_at, id) descending. A malformed token is
// ignored rather than failing the query.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		size := page.PageSize
		if size <= 0 {
			size = 50
		}
		db = db.Limit(size)

		if page.PageToken == "" {
			return db
		}
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil || cursor.ID == "" || cursor.CreatedAt == "" {
			return db
		}
		createdAt, err := time.Parse(time.RFC3339, cursor.CreatedAt)
		if err != nil {
			return db
		}
		return db.Where("created_at < ? OR (created_at = ? AND id < ?)", createdAt, createdAt, cursor.ID)
	})
}

// WithLimit caps the number of returned rows.
func WithLimit(limit int) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}
