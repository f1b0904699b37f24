package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора аккаунта.
	ErrAccountIDRequired = errors.New("account_id is required")
	// Ошибка отсутствующего идентификатора bundle.
	ErrBundleIDRequired = errors.New("bundle_id is required")
	// Ошибка отсутствующего идентификатора подписки.
	ErrSubscriptionIDRequired = errors.New("subscription_id is required")
	// Ошибка отсутствующего blocked_id в blocking state.
	ErrBlockedIDRequired = errors.New("blocked_id is required")
	// Ошибка scope вне множества {ACCOUNT, BUNDLE, SUBSCRIPTION}.
	ErrBlockingScopeInvalid = errors.New("blocking scope is invalid")
	// Ошибка отсутствующего state name.
	ErrStateNameRequired = errors.New("state_name is required")
	// Ошибка отсутствующего имени сервиса.
	ErrServiceNameRequired = errors.New("service is required")
	// Ошибка отсутствующего effective-момента.
	ErrEffectiveAtRequired = errors.New("effective_at is required")
	// ErrUnknownTransitionType — нарушение контракта коллаборатора:
	// переход с типом вне закрытого enum'а.
	ErrUnknownTransitionType = errors.New("unknown transition type")
	// ErrAccountNotFound возвращается, если аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrBundleNotFound возвращается, если bundle не найден.
	ErrBundleNotFound = errors.New("bundle not found")
	// ErrSubscriptionNotFound возвращается, если подписка не найдена.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrEntityAlreadyExists сигнализирует о конфликте идентификаторов при создании.
	ErrEntityAlreadyExists = errors.New("entity already exists")
	// ErrTimeZoneUnknown — у аккаунта задана нераспознаваемая таймзона.
	ErrTimeZoneUnknown = errors.New("account time zone is unknown")
	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound — запись по ключу отсутствует.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists — ключ уже занят (replay).
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим payload'ом.
	ErrIdempotencyHashMismatch = errors.New("idempotency request hash mismatch")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsNotFound проверяет, относится ли ошибка к семейству "не найдено".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrBundleNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound)
}

// IsIdempotencyConflict проверяет конфликт идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) ||
		errors.Is(err, ErrIdempotencyHashMismatch)
}
