package chat

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/masomo/campus/core"
)

var (
	msgTypeTag  = "msgtype"
	msgTypeText = "invalid message type"

	groupTitleTag  = "grouptitle"
	groupTitleText = "a group conversation needs a title"

	directPeerTag  = "directpeer"
	directPeerText = "a direct conversation needs exactly one other participant"
)

// InitValidators registers the chat validators. core.InitValidators must run first.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(msgTypeTag, msgTypeValidation)
	core.RegisterCustomTranslation(validate, translator, msgTypeTag, msgTypeText)

	validate.RegisterStructValidation(conversationStructValidation, NewConversation{})
	core.RegisterCustomTranslation(validate, translator, groupTitleTag, groupTitleText)
	core.RegisterCustomTranslation(validate, translator, directPeerTag, directPeerText)
}

func msgTypeValidation(fl validator.FieldLevel) bool {
	return MessageType(fl.Field().String()).IsValid()
}

func conversationStructValidation(sl validator.StructLevel) {
	nc, ok := sl.Current().Interface().(NewConversation)
	if !ok {
		return
	}
	switch nc.Type {
	case ConversationGroup:
		if nc.Title == "" {
			sl.ReportError(nc.Title, "title", "Title", groupTitleTag, "")
		}
	case ConversationDirect:
		if len(nc.ParticipantIDs) > 1 {
			sl.ReportError(nc.ParticipantIDs, "participantIds", "ParticipantIDs", directPeerTag, "")
		}
	}
}
