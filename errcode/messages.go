package errcode

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// DefaultLanguage is used when no better match exists in the catalog.
var DefaultLanguage = language.English

var templates = map[language.Tag]map[Code]string{
	language.English: {
		UnknownError:                      "There was an unknown error in the application.",
		UpdateAfterDeleteConcurrencyError: "The entity can't be updated because other user has deleted it.",
		CreateExistingEntityError:         "The data that is trying to be inserted already exists in the database.",
		InvalidConditionError:             "The expression that is trying to be created from the condition is not valid.",
		CreateEntityNotAllowedError:       "The entity creation was not allowed because the used DTO does not support it.",
		FilterNotUsingValidMeasurement:    "The filter used in a GetData operation does not provide a valid measurement.",
		UniqueValueConstraintError:        "A unique value constraint has been violated and the changes can't be saved.",
		NotValidDomainEntityType:          "The domain entity type of the entity is not valid.",
		ForeignKeyConstraintError:         "The entity can't be deleted because other instances reference it. Delete first the entities that reference it.",
		UnauthorizedAction:                "An unauthorized action has been attempted.",
		UnauthorizedFilterOrSort:          "A field that is not authorized for view has been used in a filtering or sorting operation.",
		PartialCreate:                     "Some instances have been created but not all the given fields were set because the application user is not authorized.",
		PartialUpdate:                     "Some instances have been updated but others not and/or some of the fields were not updated because the application user is not authorized.",
		PartialDelete:                     "Some instances have been deleted but others not because the application user is not authorized to delete them.",
	},
	language.Spanish: {
		UnknownError:                      "Se ha producido un error desconocido en la aplicación.",
		UpdateAfterDeleteConcurrencyError: "La entidad no se puede actualizar porque otro usuario la ha eliminado.",
		CreateExistingEntityError:         "Los datos que se intentan insertar ya existen en la base de datos.",
		InvalidConditionError:             "La expresión que se intenta crear a partir de la condición no es válida.",
		CreateEntityNotAllowedError:       "No se permite crear la entidad porque el DTO utilizado no lo soporta.",
		FilterNotUsingValidMeasurement:    "El filtro utilizado en una operación GetData no proporciona una medida válida.",
		UniqueValueConstraintError:        "Se ha violado una restricción de valor único y no se pueden guardar los cambios.",
		NotValidDomainEntityType:          "El tipo de entidad de dominio de la entidad no es válido.",
		ForeignKeyConstraintError:         "La entidad no se puede eliminar porque otras instancias la referencian. Elimine primero las entidades que la referencian.",
		UnauthorizedAction:                "Se ha intentado realizar una acción no autorizada.",
		UnauthorizedFilterOrSort:          "Se ha utilizado en una operación de filtrado u ordenación un campo que el usuario no está autorizado a ver.",
		PartialCreate:                     "Se han creado algunas instancias pero no se asignaron todos los campos indicados porque el usuario de la aplicación no está autorizado.",
		PartialUpdate:                     "Se han actualizado algunas instancias pero otras no y/o algunos campos no se actualizaron porque el usuario de la aplicación no está autorizado.",
		PartialDelete:                     "Se han eliminado algunas instancias pero otras no porque el usuario de la aplicación no está autorizado a eliminarlas.",
	},
}

var (
	messages *catalog.Builder
	matcher  language.Matcher
)

func init() {
	messages = catalog.NewBuilder(catalog.Fallback(DefaultLanguage))
	supported := []language.Tag{DefaultLanguage}
	for tag, table := range templates {
		if tag != DefaultLanguage {
			supported = append(supported, tag)
		}
		for code, text := range table {
			if err := messages.SetString(tag, code.String(), text); err != nil {
				panic(err)
			}
		}
	}
	matcher = language.NewMatcher(supported)
}

// Message returns the default-language template for c. Classified codes
// without a registered template fall back to the unknown-error text.
func Message(c Code) string {
	return LocalizedMessage(DefaultLanguage, c)
}

// LocalizedMessage returns the template for c in the closest supported
// language to tag.
func LocalizedMessage(tag language.Tag, c Code) string {
	if _, ok := codeNames[c]; !ok {
		c = UnknownError
	}
	matched, _, _ := matcher.Match(tag)
	base, _ := matched.Base()
	lang, err := language.Compose(base)
	if err != nil {
		lang = DefaultLanguage
	}
	return message.NewPrinter(lang, message.Catalog(messages)).Sprintf(c.String())
}
