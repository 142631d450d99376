package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// ResponseCode 业务层响应码，与HTTP状态码独立
type ResponseCode int

const (
	CodeSuccess       ResponseCode = 0
	CodeEmptyResult   ResponseCode = 10
	CodeInternalError ResponseCode = 20
)

// ResponseWrapper 业务响应的统一外壳
type ResponseWrapper struct {
	Code   ResponseCode `json:"code"`
	Result interface{}  `json:"result"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondWrapped 发送带业务码外壳的响应，HTTP状态码恒为200
func RespondWrapped(w http.ResponseWriter, code ResponseCode, result interface{}) {
	RespondJSON(w, http.StatusOK, ResponseWrapper{Code: code, Result: result})
}
