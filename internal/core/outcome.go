package core

import (
	"strings"

	"github.com/egbonrelu/certify/internal/model"
)

// Outcome 一次运行的结果
type Outcome struct {
	Status   model.ResultStatus
	Stage    Stage
	Artifact *model.CertificateArtifact
	Warnings []string
	Err      *RequestError

	// StoreErr 结果写入记录存储失败，不影响已签发的证书
	StoreErr error
}

// Succeeded 证书是否已签发并保存
func (o Outcome) Succeeded() bool {
	return o.Status == model.ResultCompleted || o.Status == model.ResultCompletedWithWarning
}

// Detail 用于记录与日志的说明
func (o Outcome) Detail() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return strings.Join(o.Warnings, "; ")
}

// Domain 失败涉及的域名
func (o Outcome) Domain() string {
	if o.Err != nil {
		return o.Err.Domain
	}
	return ""
}

func completed(artifact *model.CertificateArtifact, warnings []string) Outcome {
	status := model.ResultCompleted
	if len(warnings) > 0 {
		status = model.ResultCompletedWithWarning
	}
	return Outcome{Status: status, Stage: StageCompleted, Artifact: artifact, Warnings: warnings}
}

// addWarning 已完成的运行出现告警时降级为 completed_with_warning
func (o *Outcome) addWarning(w string) {
	o.Warnings = append(o.Warnings, w)
	if o.Status == model.ResultCompleted {
		o.Status = model.ResultCompletedWithWarning
	}
}

func failed(kind error, stage Stage, domain string, err error) Outcome {
	return Outcome{
		Status: model.ResultFailed,
		Stage:  stage,
		Err:    &RequestError{Kind: kind, Stage: stage, Domain: domain, Err: err},
	}
}

// result 写入 ManagedCertificate.LastResult 的内容
func (o Outcome) result() *model.RequestResult {
	r := &model.RequestResult{Status: o.Status, Stage: string(o.Stage), ErrorDetail: o.Detail()}
	if o.Err != nil {
		r.Domain = o.Err.Domain
	}
	return r
}
