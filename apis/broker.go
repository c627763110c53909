// Copyright 2022 The livesub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/dispatch"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether a dependency of the broker is usable
type ReadinessCheck func() error

// APIRestBrokerHandler REST handler for event publish and health checks
type APIRestBrokerHandler struct {
	goutils.RestAPIHandler
	publisher    dispatch.Publisher
	tenantHeader string
	maxBodySize  int64
	readiness    []ReadinessCheck
	validate     *validator.Validate
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	httpConfig *common.HTTPConfig,
	publisher dispatch.Publisher,
	readiness ...ReadinessCheck,
) (APIRestBrokerHandler, error) {
	if publisher == nil {
		return APIRestBrokerHandler{}, fmt.Errorf("publisher is required")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "broker-rest",
	}
	return APIRestBrokerHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		publisher:      publisher,
		tenantHeader:   httpConfig.Endpoints.TenantHeader,
		maxBodySize:    httpConfig.Endpoints.MaxEventSize,
		readiness:      readiness,
		validate:       validator.New(),
	}, nil
}

// Write logging support
func (h APIRestBrokerHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Event publish

// APIRestRespPublish response to an event publish
type APIRestRespPublish struct {
	goutils.RestAPIBaseResponse
	// Delivered is the number of subscriptions the event was delivered to
	Delivered int `json:"delivered"`
}

// PublishEvent godoc
// @Summary Publish an event
// @Description Deliver a JSON event payload to every active subscription of the event
// type within the tenant
// @tags Events
// @Accept json
// @Produce json
// @Param Livesub-Request-ID header string false "User provided request ID to match against logs"
// @Param Livesub-Tenant-ID header string false "Tenant of the event. Omit for public events."
// @Param eventType path string true "Event type, the subscription field name"
// @Param payload body string true "Event payload"
// @Success 200 {object} APIRestRespPublish "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/events/{eventType} [post]
func (h APIRestBrokerHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	eventType, ok := vars["eventType"]
	if !ok {
		msg := "No event type provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := h.validate.Var(eventType, "required,max=128,excludesall=.*> "); err != nil {
		msg := "Invalid event type"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if int64(len(payload)) > h.maxBodySize {
		msg := "Event payload too large"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, fmt.Sprintf("limit is %dB", h.maxBodySize),
		)
		return
	}
	if len(payload) == 0 || !json.Valid(payload) {
		msg := "Event payload must be JSON"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	tenantID := r.Header.Get(h.tenantHeader)
	delivered := h.publisher.Publish(r.Context(), eventType, tenantID, json.RawMessage(payload))
	log.WithFields(localLogTags).Debugf(
		"Published %s@%s to %d subscriptions", eventType, tenantID, delivered,
	)

	respCode = http.StatusOK
	respBody = APIRestRespPublish{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Delivered: delivered,
	}
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestBrokerHandler) PublishEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate broker is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the broker's backing services are reachable
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, check := range h.readiness {
		if err := check(); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Warn("Readiness check failed")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
