package echoapi

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/pagination"
	"github.com/masomo/campus/core/user"
)

var (
	pageParam      = "page"
	limitParam     = "limit"
	cursorParam    = "cursor"
	sortByParam    = "sortBy"
	sortOrderParam = "sortOrder"

	searchParam   = "search"
	roleParam     = "role"
	isActiveParam = "isActive"

	errNotAnInteger = "must be an integer"
	errNotABoolean  = "must be a boolean"
)

// bindPagination reads and validates the pagination query parameters. Missing ones take the defaults.
func bindPagination(ctx echo.Context, validate *validator.Validate) (pagination.Request, error) {
	req := pagination.NewRequest()

	var fldErrs []core.FieldError
	for param, dst := range map[string]*int{pageParam: &req.Page, limitParam: &req.Limit} {
		val := ctx.QueryParam(param)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			fldErrs = append(fldErrs, core.FieldError{Field: param, Error: errNotAnInteger})
			continue
		}
		*dst = n
	}
	if fldErrs != nil {
		return req, core.NewValidationError(nil, fldErrs...)
	}

	req.Cursor = ctx.QueryParam(cursorParam)
	req.SortBy = ctx.QueryParam(sortByParam)
	if val := ctx.QueryParam(sortOrderParam); val != "" {
		req.SortOrder = val
	}
	if err := req.Validate(validate); err != nil {
		return req, err
	}
	return req, nil
}

func bindUserFilter(ctx echo.Context) (user.QueryFilter, error) {
	params := ctx.QueryParams()
	filter := user.QueryFilter{
		Search: params.Get(searchParam),
		Roles:  params[roleParam],
	}
	if val := params.Get(isActiveParam); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return filter, core.NewValidationError(nil, core.FieldError{Field: isActiveParam, Error: errNotABoolean})
		}
		filter.IsActive = core.BoolPtr(b)
	}
	filter.Clean()
	return filter, nil
}
