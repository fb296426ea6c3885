package lang

import (
	"fmt"
	"strings"

	"github.com/modelgate/modelgate/pkg/errors"
)

// catalog maps (error kind, language tag) to a localized message template.
// Templates may contain a single {reason} placeholder. A missing (kind, lang)
// pair falls back to the English template for that kind; a missing kind is a
// programming error and panics.
var catalog = map[errors.Kind]map[Tag]string{
	errors.KindPromptBlocked: {
		TagEN: "Your input was blocked by a security scanner. Reason: {reason}",
		TagZH: "您的输入被安全扫描器阻止。原因: {reason}",
		TagVI: "Đầu vào của bạn đã bị trình quét bảo mật chặn. Lý do: {reason}",
		TagJA: "入力はセキュリティスキャナーによってブロックされました。理由: {reason}",
		TagKO: "입력이 보안 스캐너에 의해 차단되었습니다. 사유: {reason}",
		TagRU: "Ваш запрос заблокирован сканером безопасности. Причина: {reason}",
		TagAR: "تم حظر مدخلاتك بواسطة الماسح الأمني. السبب: {reason}",
	},
	errors.KindResponseBlocked: {
		TagEN: "Model output was blocked by a security scanner. Reason: {reason}",
		TagZH: "模型输出被安全扫描器阻止。原因: {reason}",
		TagVI: "Đầu ra của mô hình đã bị trình quét bảo mật chặn. Lý do: {reason}",
		TagJA: "モデルの出力はセキュリティスキャナーによってブロックされました。理由: {reason}",
		TagKO: "모델 출력이 보안 스캐너에 의해 차단되었습니다. 사유: {reason}",
		TagRU: "Ответ модели заблокирован сканером безопасности. Причина: {reason}",
		TagAR: "تم حظر مخرجات النموذج بواسطة الماسح الأمني. السبب: {reason}",
	},
	errors.KindServerBusy: {
		TagEN: "The server is busy. Please retry later.",
		TagZH: "服务器繁忙，请稍后重试。",
		TagVI: "Máy chủ đang bận. Vui lòng thử lại sau.",
		TagJA: "サーバーが混み合っています。しばらくしてから再試行してください。",
		TagKO: "서버가 혼잡합니다. 잠시 후 다시 시도해 주세요.",
		TagRU: "Сервер перегружен. Повторите попытку позже.",
		TagAR: "الخادم مشغول. يرجى المحاولة لاحقًا.",
	},
	errors.KindRequestTimeout: {
		TagEN: "The request timed out.",
		TagZH: "请求超时。",
		TagVI: "Yêu cầu đã hết thời gian chờ.",
		TagJA: "リクエストがタイムアウトしました。",
		TagKO: "요청 시간이 초과되었습니다.",
		TagRU: "Время ожидания запроса истекло.",
		TagAR: "انتهت مهلة الطلب.",
	},
	errors.KindUpstreamError: {
		TagEN: "The inference backend returned an error. Reason: {reason}",
		TagZH: "推理后端返回错误。原因: {reason}",
		TagVI: "Máy chủ suy luận trả về lỗi. Lý do: {reason}",
		TagJA: "推論バックエンドがエラーを返しました。理由: {reason}",
		TagKO: "추론 백엔드에서 오류가 발생했습니다. 사유: {reason}",
		TagRU: "Сервер инференса вернул ошибку. Причина: {reason}",
		TagAR: "أعاد خادم الاستدلال خطأ. السبب: {reason}",
	},
	errors.KindAccessDenied: {
		TagEN: "Access denied.",
		TagZH: "访问被拒绝。",
		TagVI: "Truy cập bị từ chối.",
		TagJA: "アクセスが拒否されました。",
		TagKO: "접근이 거부되었습니다.",
		TagRU: "Доступ запрещен.",
		TagAR: "تم رفض الوصول.",
	},
	errors.KindScannerError: {
		TagEN: "A content scanner failed to evaluate this request.",
		TagZH: "内容扫描器无法处理此请求。",
	},
	errors.KindBadRequest: {
		TagEN: "The request is malformed. Reason: {reason}",
		TagZH: "请求格式错误。原因: {reason}",
	},
	errors.KindInternal: {
		TagEN: "An internal error occurred.",
		TagZH: "发生内部错误。",
	},
}

// Message renders the localized message for (kind, tag), substituting the
// {reason} placeholder when present. Unknown kinds panic: every kind that can
// reach the wire must have a catalog entry.
func Message(kind errors.Kind, tag Tag, reason string) string {
	byLang, ok := catalog[kind]
	if !ok {
		panic(fmt.Sprintf("lang: no catalog entry for error kind %q", kind))
	}
	tpl, ok := byLang[tag]
	if !ok {
		tpl = byLang[TagEN]
	}
	return strings.ReplaceAll(tpl, "{reason}", reason)
}
