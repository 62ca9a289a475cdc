package main

// General API documentation for swaggo:
//
//	swag init -g cmd/gpusched/docs.go -o internal/httpapi/docs
//
// @title           gpusched API
// @version         1.0
// @description     GPU-aware task admission, scheduling and lifecycle service.
//
// @contact.name   gpusched maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
