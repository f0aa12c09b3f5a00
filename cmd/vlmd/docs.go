package main

// General API documentation for swaggo: swag init -g cmd/vlmd/docs.go -o docs
//
// @title           vlmd API
// @version         1.0
// @description     HTTP API for document and image extraction with a local vision-language model.
//
// @contact.name   vlmd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
