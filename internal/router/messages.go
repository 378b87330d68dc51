package router

// Reply texts sent back to the chat.
const (
	msgHelp = "Available commands:\n" +
		"/register - create an account\n" +
		"/login - log in\n" +
		"/logout - log out\n" +
		"/predict - classify an image\n" +
		"/cancel - cancel the current action"

	msgUnknownCommand = "Unknown command.\n\n" + msgHelp

	msgAlreadyRegistered   = "You are already registered."
	msgEnterRegisterSecret = "Enter a password to register."
	msgRegistered          = "Registration successful. Use /login to log in."
	msgInvalidSecret       = "The password must be between 1 and 72 bytes. Enter a password to register."

	msgRegisterFirst    = "You are not registered. Use /register first."
	msgEnterLoginSecret = "Enter your password to log in."
	msgLoggedIn         = "Login successful. You can now use /predict."
	msgWrongSecret      = "Incorrect password. Try again."
	msgAlreadyLoggedIn  = "You are already logged in."

	msgLoggedOut     = "You have logged out."
	msgNotRegistered = "You are not registered."
	msgNotLoggedIn   = "You are not logged in."

	msgLoginFirst    = "Please log in first. Use /login."
	msgSendImage     = "Send an image for classification."
	msgNotAnImage    = "Please send an image."
	msgSecretAsText  = "Please send the password as a text message."
	msgPredictFirst  = "Use /predict before sending an image."
	msgClassified    = "The image is classified as: %s"
	msgTimeout       = "Classification timed out. Use /predict to try again."
	msgInvalidImage  = "That file is not an image I can read. Use /predict to try again."
	msgUnavailable   = "The classifier is unavailable right now. Use /predict to try again later."
	msgCancelled     = "Cancelled."
	msgNothingCancel = "Nothing to cancel."

	msgInternalError = "Something went wrong. Please try again."
)
